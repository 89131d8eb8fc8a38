package limiter

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

type Config struct {
	GlobalRPS     float64
	PerIPRPS      float64
	PerIPBurst    int
	MaxConcurrent int
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// RateLimiter applies a global rate, a per-client rate and a cap on requests
// in flight. Submissions are expensive, so all three are checked up front.
type RateLimiter struct {
	globalLimiter *rate.Limiter
	perIPLimiters *xsync.MapOf[string, *ipLimiter]
	ipRate        rate.Limit
	ipBurst       int
	maxConcurrent int64
	currentConc   atomic.Int64
}

func NewRateLimiter(cfg Config) *RateLimiter {
	return &RateLimiter{
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRPS), int(cfg.GlobalRPS)*2),
		perIPLimiters: xsync.NewMapOf[string, *ipLimiter](),
		ipRate:        rate.Limit(cfg.PerIPRPS),
		ipBurst:       cfg.PerIPBurst,
		maxConcurrent: int64(cfg.MaxConcurrent),
	}
}

func (rl *RateLimiter) getIPLimiter(ip string) *rate.Limiter {
	l, _ := rl.perIPLimiters.LoadOrCompute(ip, func() *ipLimiter {
		return &ipLimiter{limiter: rate.NewLimiter(rl.ipRate, rl.ipBurst)}
	})
	l.lastSeen.Store(time.Now().UnixNano())
	return l.limiter
}

// Allow reserves a concurrency slot on success; the caller must call Done.
func (rl *RateLimiter) Allow(ip string) bool {
	if !rl.globalLimiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	if !rl.getIPLimiter(ip).Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}

	if rl.currentConc.Add(1) > rl.maxConcurrent {
		rl.currentConc.Add(-1)
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

func (rl *RateLimiter) Done() {
	rl.currentConc.Add(-1)
}

func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		defer rl.Done()

		next(w, r)
	}
}

// StartCleanup drops per-client limiters idle for longer than interval until
// ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evictIdle(time.Now().Add(-interval))
			}
		}
	}()
}

func (rl *RateLimiter) evictIdle(cutoff time.Time) {
	rl.perIPLimiters.Range(func(ip string, l *ipLimiter) bool {
		if l.lastSeen.Load() < cutoff.UnixNano() {
			rl.perIPLimiters.Delete(ip)
		}
		return true
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
