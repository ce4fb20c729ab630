package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/phantom-rooms/internal/auth"
)

func init() { gin.SetMode(gin.TestMode) }

func newEngine(h ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Recovery(nil))
	r.Use(h...)
	r.Any("/x", func(c *gin.Context) {
		uid, _ := c.Get(UserIDKey)
		c.JSON(http.StatusOK, gin.H{"user_id": uid})
	})
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
	return r
}

func TestAuthRequired(t *testing.T) {
	r := newEngine(AuthRequired("s3cret"))
	tok, err := auth.SignJWT(7, "s3cret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + tok, "", http.StatusUnauthorized},
		{"header", "Bearer " + tok, "", http.StatusOK},
		{"lowercase scheme", "bearer " + tok, "", http.StatusOK},
		{"query", "", "?access_token=" + tok, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x"+tc.query, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%s: status=%d want=%d body=%s", tc.name, w.Code, tc.want, w.Body.String())
		}
	}
}

func TestRequestIDAndRecovery(t *testing.T) {
	r := newEngine()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "abc")
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "abc" {
		t.Fatalf("request id not echoed: %q", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("panic status=%d", w.Code)
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestWriteLimitOnlyThrottlesWrites(t *testing.T) {
	r := newEngine(WriteLimit(0.001, 2, nil))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("read %d throttled", i)
		}
	}
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes: %v", codes)
	}
}

func TestLimiterPoolForgetsIdleKeys(t *testing.T) {
	p := newLimiterPool(1, 1)
	now := time.Unix(1_000_000, 0)
	p.now = func() time.Time { return now }

	if !p.allow("a") || p.allow("a") {
		t.Fatalf("expected one token for a")
	}
	now = now.Add(2 * limiterIdle)
	p.allow("b")
	if _, ok := p.m["a"]; ok {
		t.Fatalf("idle key a should have been swept")
	}
}
