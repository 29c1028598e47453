package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/upkeephq/upkeep/internal/entity"
	"github.com/upkeephq/upkeep/internal/push"
	"github.com/upkeephq/upkeep/internal/scope"
)

// TestHTTPTransport_Push tests the push request shape and response decoding
func TestHTTPTransport_Push(t *testing.T) {
	var gotActor, gotPath string
	var gotBody struct {
		ScopeType string          `json:"scopeType"`
		ScopeID   string          `json:"scopeId"`
		Changes   []entity.Change `json:"changes"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = r.Header.Get("X-Actor-ID")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("server failed to decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(&push.BatchResult{Accepted: []string{"ch-1"}})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "alice")
	s := scope.Scope{Type: scope.TypeProperty, ID: "prop-1"}
	res, err := tr.Push(context.Background(), s, []entity.Change{
		{ID: "ch-1", EntityType: "unit", EntityID: "unit-1", Operation: "delete"},
	})
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if gotActor != "alice" || gotPath != "/api/sync/push" {
		t.Errorf("request = %s by %s, want /api/sync/push by alice", gotPath, gotActor)
	}
	if gotBody.ScopeType != "property" || gotBody.ScopeID != "prop-1" || len(gotBody.Changes) != 1 {
		t.Errorf("request body = %+v", gotBody)
	}
	if len(res.Accepted) != 1 || res.Accepted[0] != "ch-1" {
		t.Errorf("result = %+v, want ch-1 accepted", res)
	}
}

// TestHTTPTransport_Pull tests the pull query parameters
func TestHTTPTransport_Pull(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"scopeType": r.URL.Query().Get("scopeType"),
			"scopeId":   r.URL.Query().Get("scopeId"),
			"since":     r.URL.Query().Get("since"),
		}
		_, _ = w.Write([]byte(`{"changes": [], "cursor": 17, "hasMore": false}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "alice")
	res, err := tr.Pull(context.Background(), scope.Scope{Type: scope.TypeProject, ID: "proj-1"}, 17)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if gotQuery["scopeType"] != "project" || gotQuery["scopeId"] != "proj-1" || gotQuery["since"] != "17" {
		t.Errorf("query = %v", gotQuery)
	}
	if res.Cursor != 17 || res.HasMore {
		t.Errorf("result = %+v, want cursor 17 and no more", res)
	}
}

// TestHTTPTransport_StatusError tests non-2xx handling
func TestHTTPTransport_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "scope access denied"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "stranger")
	_, err := tr.Pull(context.Background(), scope.Scope{Type: scope.TypeProject, ID: "proj-1"}, 0)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Pull() error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", se.Code)
	}
}
