package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/suPer8Hu/phantom-rooms/internal/common"
	"github.com/suPer8Hu/phantom-rooms/internal/metrics"
)

const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int
	now   func() time.Time
	swept time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{m: make(map[string]*limiterEntry), rps: rps, burst: burst, now: time.Now}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.swept) > limiterIdle {
		for k, e := range p.m {
			if now.Sub(e.seen) > limiterIdle {
				delete(p.m, k)
			}
		}
		p.swept = now
	}
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// WriteLimit throttles mutating requests per authenticated user (per client
// IP before auth). Reads pass through.
func WriteLimit(rps float64, burst int, m *metrics.Metrics) gin.HandlerFunc {
	pool := newLimiterPool(rps, burst)
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		key := "ip:" + c.ClientIP()
		if v, ok := c.Get(UserIDKey); ok {
			if uid, ok := v.(uint64); ok {
				key = "user:" + strconv.FormatUint(uid, 10)
			}
		}
		if !pool.allow(key) {
			m.HTTPThrottled()
			common.Fail(c, http.StatusTooManyRequests, 42901, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
