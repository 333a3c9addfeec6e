package api

import (
	"net/http"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/cmn/cos"
	"github.com/biotronics/ecosim/cmn/nlog"
)

const maxRequestBody = 10 << 20 // 10MB, grounded on security.py's RequestValidationMiddleware

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := cos.JSON.NewEncoder(w).Encode(v); err != nil {
		nlog.Warnf("api: encode response failed: %v", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := cos.JSON.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, r, cmn.NewError(cmn.ErrInvalidPayload, "decode request body: %v", err))
		return false
	}
	return true
}

// statusFor maps the §7 tagged error taxonomy onto HTTP status codes. This
// mapping is api's own concern (s3.WriteErr plays the same role for the
// teacher's S3 surface, one layer above cmn's generic error type).
func statusFor(code cmn.ErrCode) int {
	switch code {
	case cmn.ErrUnknownType, cmn.ErrInvalidPayload, cmn.ErrUnsupportedEntity:
		return http.StatusBadRequest
	case cmn.ErrTransfersDisabled:
		return http.StatusForbidden
	case cmn.ErrWorldNotFound, cmn.ErrConnectionNotFound, cmn.ErrTransferNotFound, cmn.ErrUnknownServer:
		return http.StatusNotFound
	case cmn.ErrNoRootSpots:
		return http.StatusConflict
	case cmn.ErrDegradedRunner:
		return http.StatusServiceUnavailable
	case cmn.ErrUnreachableServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, err *cmn.Error) {
	writeJSON(w, statusFor(err.Code), map[string]any{
		"error":   string(err.Code),
		"message": err.Message,
	})
}

func writeNotFound(w http.ResponseWriter, r *http.Request, code cmn.ErrCode, format string, args ...any) {
	writeErr(w, r, cmn.NewError(code, format, args...))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", joinComma(allowed))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"error":   string(cmn.ErrInvalidPayload),
		"message": "method " + r.Method + " not allowed",
	})
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
