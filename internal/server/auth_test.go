package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireAPIKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		key       string
		headers   map[string]string
		wantCode  int
		wantError string
	}{
		{name: "disabled", key: "", wantCode: http.StatusOK},
		{name: "missing", key: "secret", wantCode: http.StatusUnauthorized, wantError: "authorization required"},
		{
			name:     "bearer",
			key:      "secret",
			headers:  map[string]string{"Authorization": "Bearer secret"},
			wantCode: http.StatusOK,
		},
		{
			name:     "lowercase scheme",
			key:      "secret",
			headers:  map[string]string{"Authorization": "bearer secret"},
			wantCode: http.StatusOK,
		},
		{
			name:     "x-api-key header",
			key:      "secret",
			headers:  map[string]string{apiKeyHeader: "secret"},
			wantCode: http.StatusOK,
		},
		{
			name:      "wrong bearer",
			key:       "secret",
			headers:   map[string]string{"Authorization": "Bearer nope"},
			wantCode:  http.StatusUnauthorized,
			wantError: "invalid api key",
		},
		{
			name:      "wrong bearer beats right header",
			key:       "secret",
			headers:   map[string]string{"Authorization": "Bearer nope", apiKeyHeader: "secret"},
			wantCode:  http.StatusUnauthorized,
			wantError: "invalid api key",
		},
		{
			name:      "basic scheme",
			key:       "secret",
			headers:   map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			wantCode:  http.StatusUnauthorized,
			wantError: "authorization required",
		},
		{
			name:      "prefix of key",
			key:       "secret",
			headers:   map[string]string{apiKeyHeader: "secre"},
			wantCode:  http.StatusUnauthorized,
			wantError: "invalid api key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			requireAPIKey(tt.key)(okHandler).ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK {
				return
			}
			if w.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate challenge on 401")
			}
			var body errorResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode 401 body: %v", err)
			}
			if body.Error != tt.wantError || body.Kind != "unauthorized" {
				t.Errorf("body = %+v, want error %q kind unauthorized", body, tt.wantError)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Bearer mytoken":     "mytoken",
		"BEARER mytoken":     "mytoken",
		"Bearer  spaced ":    "spaced",
		"  Bearer padded":    "padded",
		"Basic dXNlcjpwYXNz": "",
		"":                   "",
		"Bearer":             "",
		"token only":         "",
	}
	for hdr, want := range cases {
		if got := bearerToken(hdr); got != want {
			t.Errorf("bearerToken(%q) = %q, want %q", hdr, got, want)
		}
	}
}
