package cos

import jsoniter "github.com/json-iterator/go"

// JSON is the canonical codec used everywhere: snapshots on disk, HTTP
// request/response bodies, WebSocket frames, and the transfer log.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

func MarshalJSON(v any) ([]byte, error) { return JSON.Marshal(v) }

func UnmarshalJSON(data []byte, v any) error { return JSON.Unmarshal(data, v) }

func MustMarshalJSON(v any) []byte {
	b, err := JSON.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
