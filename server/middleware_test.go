package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		username       string
		password       string
		token          string
		reqUsername    string
		reqPassword    string
		reqToken       string
		expectedStatus int
	}{
		{
			name:           "no auth configured - allows request",
			username:       "",
			password:       "",
			token:          "",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid basic auth",
			username:       "admin",
			password:       "hunter2",
			reqUsername:    "admin",
			reqPassword:    "hunter2",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid basic auth username",
			username:       "admin",
			password:       "hunter2",
			reqUsername:    "wrong",
			reqPassword:    "hunter2",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid basic auth password",
			username:       "admin",
			password:       "hunter2",
			reqUsername:    "admin",
			reqPassword:    "wrong",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "valid token auth",
			token:          "dvr-admin-token",
			reqToken:       "dvr-admin-token",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid token auth",
			token:          "dvr-admin-token",
			reqToken:       "wrong-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "token auth takes precedence over basic auth",
			username:       "admin",
			password:       "hunter2",
			token:          "dvr-admin-token",
			reqToken:       "dvr-admin-token",
			reqUsername:    "wrong",
			reqPassword:    "wrong",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Configure auth
			cfg := &authConfig{
				adminUsername: tt.username,
				adminPassword: tt.password,
				adminToken:    tt.token,
				enabled:       (tt.username != "" && tt.password != "") || tt.token != "",
			}

			// Create test handler
			handler := adminAuth(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			}))

			// Create request
			req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
			if tt.reqUsername != "" || tt.reqPassword != "" {
				req.SetBasicAuth(tt.reqUsername, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}

			// Execute request
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			// Check status
			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}

			// Check WWW-Authenticate header on 401
			if tt.expectedStatus == http.StatusUnauthorized {
				if auth := rr.Header().Get("WWW-Authenticate"); auth == "" {
					t.Error("expected WWW-Authenticate header on 401 response")
				}
			}
		})
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, remoteAddr string, header map[string]string) int {
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 2,
		window:        time.Minute,
	}
	handler := rateLimit(cfg)(okHandler())

	// First 2 requests should succeed
	for i := 0; i < 2; i++ {
		if code := serve(handler, "192.168.1.1:12345", nil); code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, code)
		}
	}

	// 3rd request should be rate limited
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("request 3: expected 429, got %d", rr.Code)
	}
	if retryAfter := rr.Header().Get("Retry-After"); retryAfter == "" {
		t.Error("expected Retry-After header on 429 response")
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON body on 429, got %q", ct)
	}
}

func TestRateLimitMiddlewareDifferentIPs(t *testing.T) {
	cfg := &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 2,
		window:        time.Minute,
	}
	handler := rateLimit(cfg)(okHandler())

	for _, ip := range []string{"192.168.1.1:1000", "192.168.1.2:1000"} {
		for i := 0; i < 2; i++ {
			if code := serve(handler, ip, nil); code != http.StatusOK {
				t.Errorf("%s request %d: expected 200, got %d", ip, i+1, code)
			}
		}
	}
	// Both IPs are now at limit
	for _, ip := range []string{"192.168.1.1:1000", "192.168.1.2:1000"} {
		if code := serve(handler, ip, nil); code != http.StatusTooManyRequests {
			t.Errorf("%s request 3: expected 429, got %d", ip, code)
		}
	}
}

func TestRateLimitMiddlewareWithXForwardedFor(t *testing.T) {
	cfg := &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 2,
		window:        time.Minute,
	}
	handler := rateLimit(cfg)(okHandler())

	// Requests with X-Forwarded-For should use the forwarded IP
	for i := 0; i < 2; i++ {
		code := serve(handler, "10.0.0.1:12345", map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.2"})
		if code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, code)
		}
	}

	// Same client behind the same proxy is limited
	if code := serve(handler, "10.0.0.1:12345", map[string]string{"X-Forwarded-For": "203.0.113.1"}); code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", code)
	}
	// A different client behind the same proxy is not
	if code := serve(handler, "10.0.0.1:12345", map[string]string{"X-Forwarded-For": "203.0.113.2"}); code != http.StatusOK {
		t.Errorf("other client: expected 200, got %d", code)
	}
}

func TestRateLimitMiddlewareIPv6(t *testing.T) {
	cfg := &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 2,
		window:        time.Minute,
	}
	handler := rateLimit(cfg)(okHandler())

	for i := 0; i < 2; i++ {
		if code := serve(handler, "[2001:db8::1]:12345", nil); code != http.StatusOK {
			t.Errorf("IPv6 request %d: expected 200, got %d", i+1, code)
		}
	}
	// Different source port, same address
	if code := serve(handler, "[2001:db8::1]:54321", nil); code != http.StatusTooManyRequests {
		t.Errorf("IPv6 request 3: expected 429, got %d", code)
	}
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	cfg := &rateLimiterConfig{
		enabled:       false,
		requestsPerIP: 1,
		window:        time.Minute,
	}
	handler := rateLimit(cfg)(okHandler())

	// Should allow unlimited requests when disabled
	for i := 0; i < 100; i++ {
		if code := serve(handler, "192.168.1.1:1", nil); code != http.StatusOK {
			t.Fatalf("request %d should be allowed when rate limiting is disabled, got %d", i+1, code)
		}
	}
}

func TestLoadRateLimiterConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "")
	cfg := loadRateLimiterConfig()
	if !cfg.enabled || cfg.requestsPerIP != 120 || cfg.window != time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	t.Setenv("RATE_LIMIT_ENABLED", "0")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "5")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "10")
	cfg = loadRateLimiterConfig()
	if cfg.enabled || cfg.requestsPerIP != 5 || cfg.window != 10*time.Second {
		t.Errorf("unexpected overrides: %+v", cfg)
	}
}

func TestCORSConfig(t *testing.T) {
	tests := []struct {
		name              string
		permissive        bool
		allowedOrigins    []string
		requestOrigin     string
		expectAllowOrigin string
		expectCredentials bool
	}{
		{
			name:              "permissive mode allows all origins",
			permissive:        true,
			requestOrigin:     "https://dvr.example.org",
			expectAllowOrigin: "*",
		},
		{
			name:              "restricted mode with matching origin",
			permissive:        false,
			allowedOrigins:    []string{"https://dvr.example.org", "https://ui.dvr.example.org"},
			requestOrigin:     "https://dvr.example.org",
			expectAllowOrigin: "https://dvr.example.org",
			expectCredentials: true,
		},
		{
			name:              "restricted mode with non-matching origin",
			permissive:        false,
			allowedOrigins:    []string{"https://dvr.example.org"},
			requestOrigin:     "https://evil.com",
			expectAllowOrigin: "",
		},
		{
			name:              "wildcard subdomain matching",
			permissive:        false,
			allowedOrigins:    []string{"*.dvr.example.org"},
			requestOrigin:     "https://ui.dvr.example.org",
			expectAllowOrigin: "https://ui.dvr.example.org",
			expectCredentials: true,
		},
		{
			name:              "wildcard does not match parent",
			permissive:        false,
			allowedOrigins:    []string{"*.dvr.example.org"},
			requestOrigin:     "https://dvr.example.org",
			expectAllowOrigin: "https://dvr.example.org", // bare domain matches its wildcard
			expectCredentials: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &corsConfig{
				permissive:     tt.permissive,
				allowedOrigins: tt.allowedOrigins,
			}

			handler := withCORS(cfg)(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			allowOrigin := rr.Header().Get("Access-Control-Allow-Origin")
			if allowOrigin != tt.expectAllowOrigin {
				t.Errorf("expected Allow-Origin %q, got %q", tt.expectAllowOrigin, allowOrigin)
			}

			if tt.expectCredentials {
				if creds := rr.Header().Get("Access-Control-Allow-Credentials"); creds != "true" {
					t.Error("expected Allow-Credentials: true for restricted mode")
				}
			}
		})
	}
}

func TestCORSPreflightRequest(t *testing.T) {
	cfg := &corsConfig{
		permissive:     true,
		allowedOrigins: []string{},
	}

	handler := withCORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// This should not be called for OPTIONS
		t.Error("handler should not be called for OPTIONS request")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://dvr.example.org")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 for OPTIONS, got %d", rr.Code)
	}

	if allowMethods := rr.Header().Get("Access-Control-Allow-Methods"); allowMethods == "" {
		t.Error("expected Allow-Methods header on OPTIONS response")
	}

	if allowHeaders := rr.Header().Get("Access-Control-Allow-Headers"); allowHeaders == "" {
		t.Error("expected Allow-Headers header on OPTIONS response")
	}
}

func TestLoadAuthConfig(t *testing.T) {
	tests := []struct {
		name        string
		envVars     map[string]string
		wantEnabled bool
	}{
		{
			name:        "no auth configured",
			envVars:     map[string]string{},
			wantEnabled: false,
		},
		{
			name: "basic auth only",
			envVars: map[string]string{
				"ADMIN_USERNAME": "admin",
				"ADMIN_PASSWORD": "secret",
			},
			wantEnabled: true,
		},
		{
			name: "token auth only",
			envVars: map[string]string{
				"ADMIN_TOKEN": "test-token",
			},
			wantEnabled: true,
		},
		{
			name: "both auth methods",
			envVars: map[string]string{
				"ADMIN_USERNAME": "admin",
				"ADMIN_PASSWORD": "secret",
				"ADMIN_TOKEN":    "test-token",
			},
			wantEnabled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"ADMIN_USERNAME", "ADMIN_PASSWORD", "ADMIN_TOKEN"} {
				t.Setenv(k, tt.envVars[k])
			}

			cfg := loadAuthConfig()

			if cfg.enabled != tt.wantEnabled {
				t.Errorf("expected enabled=%v, got %v", tt.wantEnabled, cfg.enabled)
			}
		})
	}
}

func TestLoadCORSConfig(t *testing.T) {
	tests := []struct {
		name           string
		envVars        map[string]string
		wantPermissive bool
		wantOriginsLen int
	}{
		{
			name:           "default dev mode",
			envVars:        map[string]string{},
			wantPermissive: true,
			wantOriginsLen: 0,
		},
		{
			name: "explicit dev mode",
			envVars: map[string]string{
				"ENV": "dev",
			},
			wantPermissive: true,
		},
		{
			name: "production mode",
			envVars: map[string]string{
				"ENV": "production",
			},
			wantPermissive: false,
		},
		{
			name: "production with allowed origins",
			envVars: map[string]string{
				"ENV":                  "production",
				"CORS_ALLOWED_ORIGINS": "https://dvr.example.org,https://ui.dvr.example.org",
			},
			wantPermissive: false,
			wantOriginsLen: 2,
		},
		{
			name: "explicit permissive override",
			envVars: map[string]string{
				"ENV":             "production",
				"CORS_PERMISSIVE": "1",
			},
			wantPermissive: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"ENV", "CORS_PERMISSIVE", "CORS_ALLOWED_ORIGINS"} {
				t.Setenv(k, tt.envVars[k])
			}

			cfg := loadCORSConfig()

			if cfg.permissive != tt.wantPermissive {
				t.Errorf("expected permissive=%v, got %v", tt.wantPermissive, cfg.permissive)
			}

			if tt.wantOriginsLen > 0 && len(cfg.allowedOrigins) != tt.wantOriginsLen {
				t.Errorf("expected %d allowed origins, got %d", tt.wantOriginsLen, len(cfg.allowedOrigins))
			}

		})
	}
}

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name           string
		origin         string
		allowedOrigins []string
		want           bool
	}{
		{
			name:           "exact match",
			origin:         "https://dvr.example.org",
			allowedOrigins: []string{"https://dvr.example.org", "https://other.example.net"},
			want:           true,
		},
		{
			name:           "no match",
			origin:         "https://evil.com",
			allowedOrigins: []string{"https://dvr.example.org"},
			want:           false,
		},
		{
			name:           "wildcard subdomain match",
			origin:         "https://ui.dvr.example.org",
			allowedOrigins: []string{"*.dvr.example.org"},
			want:           true,
		},
		{
			name:           "wildcard subdomain deeper match",
			origin:         "https://api.v2.dvr.example.org",
			allowedOrigins: []string{"*.dvr.example.org"},
			want:           true,
		},
		{
			name:           "wildcard does not match parent",
			origin:         "https://dvr.example.org",
			allowedOrigins: []string{"*.dvr.example.org"},
			want:           true, // Special case: matches parent too
		},
		{
			name:           "http vs https mismatch",
			origin:         "http://dvr.example.org",
			allowedOrigins: []string{"https://dvr.example.org"},
			want:           false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isOriginAllowed(tt.origin, tt.allowedOrigins)
			if got != tt.want {
				t.Errorf("isOriginAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowedOrigins, got, tt.want)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		input      string
		defaultVal int
		want       int
	}{
		{"123", 0, 123},
		{"", 42, 42},
		{"invalid", 42, 42},
		{"-1", 0, -1},
		{"0", 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Setenv("DVR_TEST_INT", tt.input)
			got := getEnvInt("DVR_TEST_INT", tt.defaultVal)
			if got != tt.want {
				t.Errorf("getEnvInt(%q, %d) = %d, want %d", tt.input, tt.defaultVal, got, tt.want)
			}
		})
	}
}
