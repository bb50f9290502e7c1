package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   string
	}{
		{"500 internal server error", 500, "server_error"},
		{"502 bad gateway", 502, "server_error"},
		{"400 bad request", 400, "client_error"},
		{"402 payment required", 402, "client_error"},
		{"410 gone", 410, "client_error"},
		{"429 too many requests", 429, "client_error"},
		{"200 OK", 200, "none"},
		{"204 no content", 204, "none"},
		{"304 not modified", 304, "none"},
		{"399 boundary below client error", 399, "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyStatus(tt.status)
			if got != tt.want {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestRouteLabel(t *testing.T) {
	mux := http.NewServeMux()
	var got string
	mux.HandleFunc("GET /artifact/{id}", func(w http.ResponseWriter, r *http.Request) {
		got = routeLabel(r)
	})
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/artifact/01ABC", nil))
	if got != "/artifact/{id}" {
		t.Fatalf("routeLabel = %q, want %q", got, "/artifact/{id}")
	}

	if label := routeLabel(httptest.NewRequest(http.MethodGet, "/nowhere/123", nil)); label != "unmatched" {
		t.Fatalf("routeLabel for unmatched request = %q", label)
	}
}
