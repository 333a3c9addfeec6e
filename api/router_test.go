package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/startup"
	"github.com/biotronics/ecosim/world"
)

func testConfig(t *testing.T) *cmn.Config {
	t.Helper()
	cfg := cmn.FromEnv()
	cfg.DataDir = t.TempDir()
	cfg.ServerID = "test-server"
	cfg.HeartbeatInterval = time.Hour
	cfg.MigrationCheckInterval = time.Hour
	cfg.AutoSaveInterval = time.Hour
	cfg.CleanupInterval = time.Hour
	cfg.PruneTimeout = time.Hour
	return cfg
}

func newTestServer(t *testing.T) (*httptest.Server, *startup.AppContext) {
	t.Helper()
	app, err := startup.NewAppContext(testConfig(t))
	if err != nil {
		t.Fatalf("NewAppContext: %v", err)
	}
	m := startup.NewManager(app)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)

	srv := httptest.NewServer(NewRouter(app).Handler())
	t.Cleanup(srv.Close)
	return srv, app
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthzReportsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestListWorldsIncludesDefaultWorld(t *testing.T) {
	srv, app := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/worlds")
	if err != nil {
		t.Fatalf("GET /api/worlds: %v", err)
	}
	var body struct {
		Worlds []map[string]any `json:"worlds"`
		Count  int              `json:"count"`
	}
	decodeBody(t, resp, &body)
	if body.Count != 1 || len(body.Worlds) != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
	if world.WorldId(body.Worlds[0]["world_id"].(string)) != app.DefaultWorldID() {
		t.Fatalf("listed world id does not match default world")
	}
}

func TestCreateWorldRejectsUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)
	payload, _ := json.Marshal(map[string]any{"world_type": "not_a_real_type", "name": "x"})
	resp, err := http.Post(srv.URL+"/api/worlds", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /api/worlds: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWorldItemNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/worlds/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["error"] != "world_not_found" {
		t.Fatalf("error = %v, want world_not_found", body["error"])
	}
}

func TestWorldStepAdvancesFrameCount(t *testing.T) {
	srv, app := newTestServer(t)
	worldID := app.DefaultWorldID()

	resp, err := http.Post(srv.URL+"/api/worlds/"+string(worldID)+"/step", "application/json", nil)
	if err != nil {
		t.Fatalf("POST step: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if fc, ok := body["frame_count"].(float64); !ok || fc < 1 {
		t.Fatalf("frame_count = %v, want >= 1", body["frame_count"])
	}
}

func TestConnectionUpsertReturnsCreatedThenOK(t *testing.T) {
	srv, app := newTestServer(t)

	tankB, cerr := app.Worlds.Create("tank", "Tank B", nil, false, "")
	if cerr != nil {
		t.Fatalf("Create: %v", cerr)
	}

	conn := map[string]any{
		"source_world_id": string(app.DefaultWorldID()),
		"dest_world_id":   string(tankB.WorldID),
		"probability":     50,
		"direction":       "left",
	}
	body, _ := json.Marshal(conn)

	resp1, err := http.Post(srv.URL+"/api/connections", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST connections: %v", err)
	}
	if resp1.StatusCode != http.StatusCreated {
		t.Fatalf("first upsert status = %d, want 201", resp1.StatusCode)
	}
	resp1.Body.Close()

	resp2, err := http.Post(srv.URL+"/api/connections", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST connections (2nd): %v", err)
	}
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("second upsert status = %d, want 200", resp2.StatusCode)
	}
	resp2.Body.Close()
}

func TestConnectionUpsertRejectsUnknownWorld(t *testing.T) {
	srv, app := newTestServer(t)
	conn := map[string]any{
		"source_world_id": string(app.DefaultWorldID()),
		"dest_world_id":   "ghost-world",
		"probability":     10,
		"direction":       "right",
	}
	body, _ := json.Marshal(conn)
	resp, err := http.Post(srv.URL+"/api/connections", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST connections: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRemoteTransferRejectsUnknownDestination(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"destination_world_id": "ghost-world",
	})
	resp, err := http.Post(srv.URL+"/api/remote-transfer", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRemoteTransferRejectsWhenTransfersDisabled(t *testing.T) {
	srv, app := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"destination_world_id": string(app.DefaultWorldID()),
	})
	resp, err := http.Post(srv.URL+"/api/remote-transfer", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestTransfersListStartsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/transfers")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var body struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &body)
	if body.Count != 0 {
		t.Fatalf("count = %d, want 0", body.Count)
	}
}

func TestDiscoveryRegisterRejectsPrivateHost(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"server_id": "peer-1",
		"host":      "127.0.0.1",
		"port":      9000,
	})
	resp, err := http.Post(srv.URL+"/api/discovery/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDiscoveryRegisterRequiresSharedSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.DiscoveryAPIKey = "s3cr3t"
	app, err := startup.NewAppContext(cfg)
	if err != nil {
		t.Fatalf("NewAppContext: %v", err)
	}
	m := startup.NewManager(app)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)
	srv := httptest.NewServer(NewRouter(app).Handler())
	t.Cleanup(srv.Close)

	body, _ := json.Marshal(map[string]any{
		"server_id": "peer-1",
		"host":      "198.51.100.7",
		"port":      9000,
	})
	resp, err := http.Post(srv.URL+"/api/discovery/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMethodNotAllowedSetsAllowHeader(t *testing.T) {
	srv, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/worlds", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if resp.Header.Get("Allow") == "" {
		t.Fatal("expected Allow header to be set")
	}
}

func TestPathItems(t *testing.T) {
	cases := []struct {
		path, prefix string
		want         []string
	}{
		{"/api/worlds/abc", "/api/worlds/", []string{"abc"}},
		{"/api/worlds/abc/step", "/api/worlds/", []string{"abc", "step"}},
		{"/api/worlds/", "/api/worlds/", nil},
	}
	for _, c := range cases {
		got := pathItems(c.path, c.prefix)
		if len(got) != len(c.want) {
			t.Fatalf("pathItems(%q, %q) = %v, want %v", c.path, c.prefix, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("pathItems(%q, %q) = %v, want %v", c.path, c.prefix, got, c.want)
			}
		}
	}
}
