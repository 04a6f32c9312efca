package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantCreds  string
		wantCode   int
	}{
		{"explicit origin", []string{"https://desk.example.com"}, "https://desk.example.com", http.MethodGet, "https://desk.example.com", "true", http.StatusTeapot},
		{"wildcard", []string{"*"}, "https://other.example.com", http.MethodGet, "https://other.example.com", "", http.StatusTeapot},
		{"rejected origin", []string{"https://desk.example.com"}, "https://evil.example.com", http.MethodGet, "", "", http.StatusTeapot},
		{"no origin header", []string{"*"}, "", http.MethodGet, "", "", http.StatusTeapot},
		{"preflight", []string{"*"}, "https://desk.example.com", http.MethodOptions, "https://desk.example.com", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, "/api/realtime/stats", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rr.Code)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("allow-origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Fatalf("allow-credentials = %q, want %q", got, tt.wantCreds)
			}
		})
	}
}
