package echoapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 3 * time.Minute
	limiterIdle          = 5 * time.Minute
)

type visitorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter throttles the linking endpoints per client IP.
// A non-positive rate disables it.
type rateLimiter struct {
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitorLimiter
	done     chan struct{}
	stopOnce sync.Once
}

func newRateLimiter(r rate.Limit, burst int) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		rate:     r,
		burst:    burst,
		visitors: make(map[string]*visitorLimiter),
		done:     make(chan struct{}),
	}
}

func (rl *rateLimiter) enabled() bool {
	return rl.rate > 0
}

func (rl *rateLimiter) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if v, ok := rl.visitors[ip]; ok {
		v.lastSeen = now
		return v.limiter
	}
	l := rate.NewLimiter(rl.rate, rl.burst)
	rl.visitors[ip] = &visitorLimiter{limiter: l, lastSeen: now}
	return l
}

func (rl *rateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > limiterIdle {
			delete(rl.visitors, ip)
		}
	}
}

// cleanupLoop forgets idle visitors until stop is called.
func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			rl.sweep(now)
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *rateLimiter) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if !rl.enabled() {
				return next(ctx)
			}
			if !rl.get(ctx.RealIP()).Allow() {
				retryAfter := int(1.0 / float64(rl.rate))
				if retryAfter < 1 {
					retryAfter = 1
				}
				ctx.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(ctx)
		}
	}
}
