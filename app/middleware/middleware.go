package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"sync"
	"time"

	"contractrag/app/metrics"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

const APIKeyHeader = "X-API-Key"

// APIKey rejects requests without the expected X-API-Key header. Paths with
// one of the public prefixes pass through. An empty key disables the check.
func APIKey(key string, public ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if key == "" || isPublic(c.Path(), public) {
			return c.Next()
		}
		got := c.Get(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid API key")
		}
		return c.Next()
	}
}

func isPublic(path string, public []string) bool {
	for _, p := range public {
		if p == "/" && path == "/" {
			return true
		}
		if p != "/" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a token bucket per client IP.
type RateLimiter struct {
	perMinute int
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
	idle      time.Duration
	now       func() time.Time
}

func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		clients:   make(map[string]*clientLimiter),
		idle:      10 * time.Minute,
		now:       time.Now,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > rl.idle {
		for k, cl := range rl.clients {
			if now.Sub(cl.lastAccess) > rl.idle {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.perMinute)), rl.perMinute),
		}
		rl.clients[ip] = cl
	}
	cl.lastAccess = now
	return cl.limiter.AllowN(now, 1)
}

// Handler answers 429 once a client exceeds its per-minute budget. A zero
// budget disables limiting.
func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.perMinute <= 0 {
			return c.Next()
		}
		if !rl.allow(c.IP()) {
			c.Set("Retry-After", strconv.Itoa(int((time.Minute / time.Duration(rl.perMinute)).Seconds())+1))
			return fiber.NewError(fiber.StatusTooManyRequests, "Too many requests")
		}
		return c.Next()
	}
}

// Metrics records request count and latency per matched route. Errors are
// rendered here so the recorded status is the one the client sees.
func Metrics(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		route := c.Route().Path
		status := strconv.Itoa(c.Response().StatusCode())
		m.HTTPRequests.WithLabelValues(c.Method(), route, status).Inc()
		m.HTTPDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return nil
	}
}
