package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name    string
		origins []string
		origin  string
		method  string
		want    string
		status  int
	}{
		{"wildcard", []string{"*"}, "https://a.example", "GET", "*", http.StatusOK},
		{"unset allows all", nil, "https://a.example", "GET", "*", http.StatusOK},
		{"listed origin", []string{"https://a.example"}, "https://a.example", "GET", "https://a.example", http.StatusOK},
		{"unlisted origin", []string{"https://a.example"}, "https://b.example", "GET", "", http.StatusOK},
		{"preflight", []string{"*"}, "https://a.example", "OPTIONS", "*", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/games", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			cors(tt.origins)(ok).ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}
