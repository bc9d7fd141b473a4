package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aflt-toolscan/kit-verifier/internal/geometry"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret"), srv
}

func TestFetchRequest(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/maintenance-requests/42/with-relations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"id":42,"tool_set_id":7,"status":"IN_PROGRESS","tool_set":{"id":7,"batch_number":"B-7"}}`))
	})

	req, err := c.FetchRequest(context.Background(), 42)
	if err != nil {
		t.Fatalf("FetchRequest: %v", err)
	}
	if req.ID != 42 || req.ToolSetID != 7 || req.Status != "IN_PROGRESS" {
		t.Fatalf("request = %+v", req)
	}
}

func TestFetchRequestWithoutToolSet(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":42,"tool_set_id":null}`))
	})
	if _, err := c.FetchRequest(context.Background(), 42); err == nil {
		t.Fatalf("request without tool set accepted")
	}
}

func TestFetchInventory(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tool-sets/7/with-tools" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"id": 7,
			"batch_number": "B-7",
			"tool_set_type": {"tool_types": [
				{"id": 1, "name": "Pliers", "tool_class": "PASSATIGI"},
				{"id": 2, "name": "Brace", "tool_class": "KOLOVOROT"},
				{"id": 3, "name": "Pliers again", "tool_class": "PASSATIGI"}
			]}
		}`))
	})

	kit, err := c.FetchInventory(context.Background(), 7)
	if err != nil {
		t.Fatalf("FetchInventory: %v", err)
	}
	if kit.BatchNumber != "B-7" {
		t.Fatalf("batch = %q", kit.BatchNumber)
	}
	if kit.Inventory.Len() != 2 {
		t.Fatalf("inventory size = %d, want 2 after dedupe", kit.Inventory.Len())
	}
	spec, ok := kit.Inventory.Spec("KOLOVOROT")
	if !ok || spec.Name != "Brace" || spec.DisplayColor != geometry.ColorFor(1) {
		t.Fatalf("spec = %+v", spec)
	}
}

func TestCompleteRequest(t *testing.T) {
	called := false
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Method != http.MethodPut || r.URL.Path != "/api/maintenance-requests/42/complete" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"id":42,"status":"COMPLETED"}`))
	})

	if err := c.CompleteRequest(context.Background(), 42); err != nil {
		t.Fatalf("CompleteRequest: %v", err)
	}
	if !called {
		t.Fatalf("server not called")
	}
}

func TestMarkIncidentSendsComment(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/maintenance-requests/42/mark-incident" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["comments"] != "wrench missing" {
			t.Errorf("comments = %q", body["comments"])
		}
		w.Write([]byte(`{}`))
	})

	if err := c.MarkIncident(context.Background(), 42, "wrench missing"); err != nil {
		t.Fatalf("MarkIncident: %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		sentinel error
		business bool
	}{
		{"no specialist", 400, `{"detail":"No quality control specialists found in the system"}`, ErrNoSpecialist, true},
		{"incident exists", 400, `{"detail":"Maintenance request already has an associated incident"}`, ErrIncidentExists, true},
		{"other 400", 400, `{"detail":"Maintenance request must have an assigned aviation engineer"}`, nil, false},
		{"not found", 404, `{"detail":"Maintenance request not found"}`, nil, false},
		{"server error", 500, `Internal Server Error`, nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})

			err := c.MarkIncident(context.Background(), 1, "x")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.Status != tc.status || apiErr.Detail == "" {
				t.Fatalf("apiErr = %+v", apiErr)
			}
			if tc.sentinel != nil && !errors.Is(err, tc.sentinel) {
				t.Fatalf("err %v does not wrap %v", err, tc.sentinel)
			}
			if IsBusinessRule(err) != tc.business {
				t.Fatalf("IsBusinessRule = %v", !tc.business)
			}
		})
	}
}

func TestNetworkErrorIsNotBusinessRule(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewClient(url, "").CompleteRequest(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected error against closed server")
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) || IsBusinessRule(err) {
		t.Fatalf("network error classified as API error: %v", err)
	}
}
