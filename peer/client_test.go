package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/biotronics/ecosim/cmn"
	"github.com/biotronics/ecosim/world"
)

func TestRegisterServerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/discovery/register" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New("")
	if err := c.RegisterServer(context.Background(), srv.URL, world.ServerInfo{ServerID: "s1"}); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
}

func TestListWorldsParsesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"worlds": []world.WorldStatus{{WorldID: "w1"}, {WorldID: "w2"}},
			"count":  2,
		})
	}))
	defer srv.Close()

	c := New("")
	worlds, err := c.ListWorlds(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("ListWorlds: %v", err)
	}
	if len(worlds) != 2 {
		t.Fatalf("len(worlds) = %d, want 2", len(worlds))
	}
}

func TestRemoteTransferNoRootSpotsMapsToTaggedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"no_root_spots"}`))
	}))
	defer srv.Close()

	c := New("")
	_, err := c.RemoteTransferEntity(context.Background(), srv.URL, RemoteTransferRequest{})
	if err == nil || err.Code != cmn.ErrNoRootSpots {
		t.Fatalf("expected no_root_spots, got %v", err)
	}
}

func TestHTTPErrorStatusIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("")
	_, err := c.GetWorld(context.Background(), srv.URL, "w1")
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-retryable status, got %d", calls)
	}
}

func TestDiscoveryKeyHeaderSent(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Discovery-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New("shared-secret")
	if err := c.Ping(context.Background(), srv.URL); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if gotKey != "shared-secret" {
		t.Fatalf("X-Discovery-Key = %q, want shared-secret", gotKey)
	}
}
