package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(Deps{Database: fakePinger{}}, "*", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		deps        Deps
		wantStatus  int
		wantReady   string
		wantChecks  map[string]string
		wantMissing string
	}{
		{
			name:        "database ok without cache",
			deps:        Deps{Database: fakePinger{}},
			wantStatus:  http.StatusOK,
			wantReady:   "ready",
			wantChecks:  map[string]string{"database": "ok"},
			wantMissing: "cache",
		},
		{
			name:       "database failure",
			deps:       Deps{Database: fakePinger{err: errors.New("connection refused")}},
			wantStatus: http.StatusServiceUnavailable,
			wantReady:  "not_ready",
			wantChecks: map[string]string{"database": "error"},
		},
		{
			name:       "cache failure",
			deps:       Deps{Database: fakePinger{}, Cache: fakePinger{err: errors.New("redis down")}},
			wantStatus: http.StatusServiceUnavailable,
			wantReady:  "not_ready",
			wantChecks: map[string]string{"database": "ok", "cache": "error"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewHTTPServer(tt.deps, "*", nil)
			req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			var response map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if response["status"] != tt.wantReady {
				t.Errorf("expected status=%s, got %v", tt.wantReady, response["status"])
			}
			checks, ok := response["checks"].(map[string]any)
			if !ok {
				t.Fatalf("expected checks object, got %v", response["checks"])
			}
			for name, want := range tt.wantChecks {
				check, ok := checks[name].(map[string]any)
				if !ok {
					t.Fatalf("missing %s check", name)
				}
				if check["status"] != want {
					t.Errorf("%s status = %v, want %s", name, check["status"], want)
				}
			}
			if tt.wantMissing != "" {
				if _, exists := checks[tt.wantMissing]; exists {
					t.Errorf("did not expect %s check", tt.wantMissing)
				}
			}
		})
	}
}

func TestPreflightAndCORS(t *testing.T) {
	server := NewHTTPServer(Deps{}, "https://notes.example.com", nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/search", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://notes.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	server := NewHTTPServer(Deps{}, "*", nil)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-fixed")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-fixed" {
		t.Fatalf("X-Request-ID = %q", got)
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	server := NewHTTPServer(Deps{}, "*", nil)
	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v", response["code"])
	}
}

func TestUnmatchedRequestsCarryHeaders(t *testing.T) {
	server := NewHTTPServer(Deps{}, "https://notes.example.com", nil)
	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "unknown path", method: http.MethodGet, path: "/api/nope", want: http.StatusNotFound},
		{name: "wrong method", method: http.MethodPost, path: "/api/health", want: http.StatusMethodNotAllowed},
		{name: "preflight on unknown path", method: http.MethodOptions, path: "/api/nope", want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rr.Code)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://notes.example.com" {
				t.Fatalf("Access-Control-Allow-Origin = %q", got)
			}
			if rr.Header().Get("X-Request-ID") == "" {
				t.Fatal("missing X-Request-ID")
			}
		})
	}
}
