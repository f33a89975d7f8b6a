package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jermoo/apis/apis-client/internal/creds"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, creds.Static("test-token"), srv.Client(), zerolog.Nop())
}

func TestListParsesEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/tasks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"data":[{"id":"srv-1","title":"inspect hive 3"},{"id":"srv-2"}]}`))
	})

	recs, err := c.List(context.Background(), "tasks")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].ID != "srv-1" || recs[1].ID != "srv-2" {
		t.Errorf("ids = %q, %q", recs[0].ID, recs[1].ID)
	}
}

func TestCreateReturnsServerRecord(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tasks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"srv-1","title":"requeen"}}`))
	})

	rec, err := c.Create(context.Background(), "tasks", json.RawMessage(`{"title":"requeen"}`))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.ID != "srv-1" {
		t.Errorf("ID = %q, want srv-1", rec.ID)
	}
}

func TestUpdateForceQuery(t *testing.T) {
	var gotForce string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotForce = r.URL.Query().Get("force")
		w.Write([]byte(`{"data":{"id":"srv-1"}}`))
	})

	if _, err := c.Update(context.Background(), "tasks", "srv-1", json.RawMessage(`{}`), false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if gotForce != "" {
		t.Errorf("force sent without being requested: %q", gotForce)
	}

	if _, err := c.Update(context.Background(), "tasks", "srv-1", json.RawMessage(`{}`), true); err != nil {
		t.Fatalf("forced Update failed: %v", err)
	}
	if gotForce != "true" {
		t.Errorf("force = %q, want true", gotForce)
	}
}

func TestConflictResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"version conflict","data":{"id":"srv-1","title":"server version"}}`))
	})

	_, err := c.Update(context.Background(), "tasks", "srv-1", json.RawMessage(`{}`), false)

	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want ConflictError", err)
	}
	if ce.Table != "tasks" || ce.ServerID != "srv-1" {
		t.Errorf("conflict = %s/%s", ce.Table, ce.ServerID)
	}
	if len(ce.ServerData) == 0 {
		t.Error("ServerData empty, want the 409 body's data")
	}
}

func TestAuthResponses(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		})
		_, err := c.List(context.Background(), "tasks")
		if !IsAuthError(err) {
			t.Errorf("status %d: error = %v, want AuthError", code, err)
		}
	}
}

func TestMissingCredentialsNeverHitNetwork(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	c.creds = creds.Static("")

	_, err := c.List(context.Background(), "tasks")
	if !IsAuthError(err) {
		t.Errorf("error = %v, want AuthError", err)
	}
	if called {
		t.Error("request sent despite missing credentials")
	}
}

func TestDeleteToleratesMissing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if err := c.Delete(context.Background(), "tasks", "srv-1", false); err != nil {
		t.Errorf("Delete on missing record = %v, want nil", err)
	}
}

func TestServerErrorSurfacesBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"database unavailable"}`))
	})

	_, err := c.List(context.Background(), "tasks")
	if err == nil {
		t.Fatal("expected error for 500")
	}
	if IsAuthError(err) {
		t.Error("500 should not map to AuthError")
	}
}

func TestPing(t *testing.T) {
	var authHeader string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s, want /health", r.URL.Path)
		}
		authHeader = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"ok"}`))
	})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if authHeader != "" {
		t.Errorf("Ping sent Authorization %q, want unauthenticated", authHeader)
	}
}
