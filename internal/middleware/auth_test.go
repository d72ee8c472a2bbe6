package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSignAndParseToken(t *testing.T) {
	a := NewAuthenticator("k")
	tok, err := a.SignToken("journey:ab", "ab", false, time.Hour)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	c, err := a.ParseToken(tok)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if c.JourneyID != "ab" || c.Admin || c.Subject != "journey:ab" {
		t.Fatalf("unexpected claims %+v", c)
	}
	if _, err := NewAuthenticator("other").ParseToken(tok); err == nil {
		t.Fatalf("token verified with the wrong key")
	}

	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := a.SignToken("s", "ab", false, time.Hour)
	a.now = time.Now
	if _, err := a.ParseToken(expired); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestRequireAdmin(t *testing.T) {
	a := NewAuthenticator("k")
	h := a.WithAuth(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	admin, _ := a.SignToken("admin", "", true, time.Hour)
	subject, _ := a.SignToken("journey:ab", "ab", false, time.Hour)

	for _, tc := range []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"none", "", "", http.StatusUnauthorized},
		{"subject", "Bearer " + subject, "", http.StatusForbidden},
		{"admin header", "Bearer " + admin, "", http.StatusNoContent},
		{"admin query", "", "?token=" + admin, http.StatusNoContent},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestCORSAllowList(t *testing.T) {
	h := CORS([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("preflight = %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("disallowed origin echoed")
	}
	if !OriginAllowed(nil, "https://any") || OriginAllowed([]string{"a"}, "b") {
		t.Fatalf("OriginAllowed policy wrong")
	}
}
