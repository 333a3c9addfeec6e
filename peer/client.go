// Package peer implements PeerClient (spec §4.6): the async HTTP client
// federation uses to talk to other servers' §6 peer-facing endpoints.
// Retries back off exponentially starting at 1s, doubling, capped, with
// jitter; a shared semaphore bounds in-flight requests across every
// caller rather than opening a client per request.
package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/cmn/cos"
	"github.com/biotronics/ecosim/world"
)

const (
	backoffInitial = 1 * time.Second
	maxRetries     = 3
	jitterFraction = 0.2

	defaultTimeout  = 10 * time.Second
	pingTimeout     = 3 * time.Second
	transferTimeout = 15 * time.Second
)

// Client is PeerClient: one shared connection pool and bounded in-flight
// concurrency across every peer this process talks to.
type Client struct {
	http *http.Client
	sem  *semaphore.Weighted
	key  string // X-Discovery-Key, sent when non-empty
}

func New(apiKey string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		http: &http.Client{Transport: transport},
		sem:  semaphore.NewWeighted(50),
		key:  apiKey,
	}
}

// RemoteTransferRequest mirrors POST /api/remote-transfer's body (spec §6).
type RemoteTransferRequest struct {
	DestinationWorldID string                 `json:"destination_world_id"`
	EntityData         world.SerializedEntity `json:"entity_data"`
	SourceServerID     world.ServerId         `json:"source_server_id"`
	SourceWorldID      world.WorldId          `json:"source_world_id"`
}

type RemoteTransferEntityResult struct {
	OldID            world.EntityId `json:"old_id"`
	NewID            world.EntityId `json:"new_id"`
	Type             string         `json:"type"`
	SourceServer     world.ServerId `json:"source_server"`
	SourceWorld      world.WorldId  `json:"source_world"`
	DestinationWorld world.WorldId  `json:"destination_world"`
}

type RemoteTransferResponse struct {
	Success bool                        `json:"success"`
	Entity  *RemoteTransferEntityResult `json:"entity,omitempty"`
}

// RegisterServer calls POST /api/discovery/register on baseURL.
func (c *Client) RegisterServer(ctx context.Context, baseURL string, info world.ServerInfo) *cmn.Error {
	_, err := c.doJSON(ctx, "POST", baseURL+"/api/discovery/register", info, defaultTimeout, nil)
	return err
}

// SendHeartbeat calls POST /api/discovery/heartbeat/{server_id}. A 404
// response (unknown on the peer) is reported as ok=false, not an error.
func (c *Client) SendHeartbeat(ctx context.Context, baseURL string, serverID world.ServerId, info *world.ServerInfo) (bool, *cmn.Error) {
	status, err := c.doJSON(ctx, "POST", fmt.Sprintf("%s/api/discovery/heartbeat/%s", baseURL, serverID), info, defaultTimeout, nil)
	if err != nil {
		if err.Code == cmn.ErrUnknownServer {
			return false, nil
		}
		return false, err
	}
	return status == http.StatusOK, nil
}

// ListWorlds calls GET /api/worlds on a peer.
func (c *Client) ListWorlds(ctx context.Context, baseURL string) ([]world.WorldStatus, *cmn.Error) {
	var out struct {
		Worlds []world.WorldStatus `json:"worlds"`
	}
	if _, err := c.doJSON(ctx, "GET", baseURL+"/api/worlds", nil, defaultTimeout, &out); err != nil {
		return nil, err
	}
	return out.Worlds, nil
}

// GetWorld calls GET /api/worlds/{id} on a peer.
func (c *Client) GetWorld(ctx context.Context, baseURL string, worldID world.WorldId) (*world.WorldStatus, *cmn.Error) {
	var out world.WorldStatus
	if _, err := c.doJSON(ctx, "GET", baseURL+"/api/worlds/"+worldID, nil, defaultTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoteTransferEntity calls POST /api/remote-transfer — the cross-server
// migration commit RPC (spec §4.4/§6). A 409 {"error":"no_root_spots"}
// surfaces as cmn.ErrNoRootSpots so migration.Scheduler can treat it as
// the same silent back-pressure signal as the local path.
func (c *Client) RemoteTransferEntity(ctx context.Context, baseURL string, req RemoteTransferRequest) (*RemoteTransferResponse, *cmn.Error) {
	var out RemoteTransferResponse
	_, err := c.doJSON(ctx, "POST", baseURL+"/api/remote-transfer", req, transferTimeout, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping calls GET /healthz on a peer with a short timeout.
func (c *Client) Ping(ctx context.Context, baseURL string) *cmn.Error {
	_, err := c.doJSON(ctx, "GET", baseURL+"/healthz", nil, pingTimeout, nil)
	return err
}

// Close releases idle connections. PeerClient itself holds no other state
// that needs tearing down (spec §4.9 shutdown step 9).
func (c *Client) Close() { c.http.CloseIdleConnections() }

// doJSON performs one JSON request with the bounded-retry policy of spec
// §4.6: up to maxRetries additional attempts, exponential backoff from
// backoffInitial doubling each time, retried only on timeouts and connect
// errors — never on a received HTTP status, 4xx or 5xx alike.
func (c *Client) doJSON(ctx context.Context, method, url string, body any, timeout time.Duration, out any) (int, *cmn.Error) {
	var bodyBytes []byte
	if body != nil {
		b, merr := cos.JSON.Marshal(body)
		if merr != nil {
			return 0, cmn.NewError(cmn.ErrInvalidPayload, "marshal request: %v", merr)
		}
		bodyBytes = b
	}

	backoff := backoffInitial
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, cmn.NewError(cmn.ErrUnreachableServer, "%s %s: %v", method, url, ctx.Err())
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
		}

		status, respBody, err := c.attempt(ctx, method, url, bodyBytes, timeout)
		if err == nil {
			if status >= 400 {
				return status, httpStatusError(method, url, status, respBody)
			}
			if out != nil && len(respBody) > 0 {
				if uerr := cos.JSON.Unmarshal(respBody, out); uerr != nil {
					return status, cmn.NewError(cmn.ErrDeserializeFailed, "%s %s: decode response: %v", method, url, uerr)
				}
			}
			return status, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return 0, cmn.NewError(cmn.ErrUnreachableServer, "%s %s: %v", method, url, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, url string, body []byte, timeout time.Duration) (int, []byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return 0, nil, err
	}
	defer c.sem.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("X-Discovery-Key", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func httpStatusError(method, url string, status int, body []byte) *cmn.Error {
	if status == http.StatusConflict && bytes.Contains(body, []byte("no_root_spots")) {
		return cmn.NewError(cmn.ErrNoRootSpots, "%s %s", method, url)
	}
	if status == http.StatusNotFound {
		return cmn.NewError(cmn.ErrUnknownServer, "%s %s: 404", method, url)
	}
	return cmn.NewError(cmn.ErrUnreachableServer, "%s %s: status %d", method, url, status)
}

// isRetryable reports whether err is a connect error or a timeout — the
// only cases spec §4.6 allows a retry for.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
