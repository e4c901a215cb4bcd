package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/akshyv/rag-pdf/internal/logging"
)

const (
	// defaultRateLimit is the sustained requests per second per client and
	// route class when no limit is configured.
	defaultRateLimit = 10
	// defaultRateBurst is the token bucket size when no burst is configured.
	defaultRateBurst = 20
	// limiterIdleTTL is how long an unused bucket is kept before eviction.
	limiterIdleTTL = 5 * time.Minute
)

// Route classes. Processing and querying draw from separate buckets so a
// client re-indexing a large document does not lock itself out of search.
const (
	classIngest = "ingest"
	classQuery  = "query"
)

// limiterKey identifies one token bucket.
type limiterKey struct {
	class string
	ip    string
}

// bucket is a token bucket plus the last time it was used.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter enforces per-client, per-class token buckets on the expensive
// endpoints (process, search, ask).
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[limiterKey]*bucket
	rps     rate.Limit
	burst   int
	// onReject is called with the class of every rejected request.
	onReject func(class string)
	now      func() time.Time
}

// newRateLimiter constructs a rateLimiter and starts its eviction loop. The
// returned function stops the loop.
func newRateLimiter(rps float64, burst int, onReject func(class string)) (*rateLimiter, func()) {
	if onReject == nil {
		onReject = func(string) {}
	}
	rl := &rateLimiter{
		buckets:  make(map[limiterKey]*bucket),
		rps:      rate.Limit(rps),
		burst:    burst,
		onReject: onReject,
		now:      time.Now,
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rl.evict()
			}
		}
	}()
	return rl, sync.OnceFunc(func() { close(stop) })
}

// take consumes one token for key. When the bucket is empty it reports the
// wait until the next token.
func (rl *rateLimiter) take(key limiterKey) (bool, time.Duration) {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = b
	}
	now := rl.now()
	b.lastSeen = now
	rl.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

// evict drops buckets unused for limiterIdleTTL.
func (rl *rateLimiter) evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-limiterIdleTTL)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// size reports the number of live buckets.
func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// limit returns middleware that charges requests to the class bucket of the
// calling client. Rejected requests get 429 with a Retry-After in whole seconds.
func (rl *rateLimiter) limit(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			ok, wait := rl.take(limiterKey{class: class, ip: ip})
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			rl.onReject(class)
			retry := int(math.Ceil(wait.Seconds()))
			if retry < 1 {
				retry = 1
			}
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("class", class),
				slog.Int("retry_after_s", retry),
			)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(r.Context(), w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", Kind: "rate_limited"})
		})
	}
}

// clientIP returns the host part of RemoteAddr. X-Forwarded-For is not
// trusted; deploy behind a proxy that rewrites RemoteAddr if needed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
