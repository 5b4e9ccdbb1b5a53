package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ClientIDHeader identifies the calling user when the web app forwards it
const ClientIDHeader = "X-User-ID"

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(clientID string) bool
	Reset(clientID string)
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter implements per-client token buckets in front of the API.
// It is independent of the abuse detector's per-user message window.
type ClientRateLimiter struct {
	enabled  bool
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	logger   *logrus.Logger
	idleTTL  time.Duration
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg config.HTTPLimitConfig, logger *logrus.Logger) *ClientRateLimiter {
	if !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
		return &ClientRateLimiter{enabled: false}
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &ClientRateLimiter{
		enabled:  true,
		limiters: make(map[string]*clientLimiter),
		// Rate per second = RPM / 60
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
		logger:  logger,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
}

// Allow checks if a client is allowed to make a request
func (r *ClientRateLimiter) Allow(clientID string) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(clientID).AllowN(r.now(), 1)
	if !allowed {
		r.logger.WithFields(logrus.Fields{
			"client_id": clientID,
		}).Warn("HTTP rate limit exceeded")
	}

	return allowed
}

// Reset resets the rate limiter for a client
func (r *ClientRateLimiter) Reset(clientID string) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	delete(r.limiters, clientID)
	r.mu.Unlock()
}

// getLimiter gets or creates a rate limiter for a client
func (r *ClientRateLimiter) getLimiter(clientID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	cl, exists := r.limiters[clientID]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[clientID] = cl
	}
	cl.lastSeen = r.now()

	return cl.limiter
}

// Cleanup removes limiters idle for longer than the idle TTL and returns how
// many were dropped
func (r *ClientRateLimiter) Cleanup() int {
	if !r.enabled {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.idleTTL)
	removed := 0
	for id, cl := range r.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(r.limiters, id)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup on a ticker until stop is closed
func (r *ClientRateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	if !r.enabled {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := r.Cleanup(); n > 0 {
					r.logger.WithField("removed", n).Debug("Cleaned up idle rate limiters")
				}
			case <-stop:
				return
			}
		}
	}()
}

// Middleware rejects over-limit clients with 429 before the handler runs
func (r *ClientRateLimiter) Middleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if r.Allow(ClientID(req)) {
				next.ServeHTTP(w, req)
				return
			}

			if metrics != nil {
				metrics.RecordThrottled()
			}
			retry := 1
			if r.limit > 0 {
				retry = int(math.Ceil(1 / float64(r.limit)))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		})
	}
}

// ClientID keys a request by the forwarded user ID, falling back to the
// remote IP
func ClientID(req *http.Request) string {
	if id := strings.TrimSpace(req.Header.Get(ClientIDHeader)); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	return "ip:" + host
}
