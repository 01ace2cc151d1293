package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/foundry-data/foundry/pkg/auth"
)

// publicPaths are reachable without a bearer token.
var publicPaths = map[string]bool{
	"/health":    true,
	"/readiness": true,
}

// AuthMiddleware validates the bearer token and injects the principal. A nil
// validator fails closed: every non-public request is rejected.
func AuthMiddleware(validator *auth.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, "missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				WriteUnauthorized(w, "authentication not configured")
				return
			}

			principal, err := validator.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// RateLimiter keeps one token bucket per actor. Authenticated requests are
// keyed by workspace/subject, anonymous ones by client IP.
type RateLimiter struct {
	mu      sync.Mutex
	actors  map[string]*actorLimiter
	limit   rate.Limit
	burst   int
	stopped chan struct{}
}

type actorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps, burst int) *RateLimiter {
	rl := &RateLimiter{
		actors:  make(map[string]*actorLimiter),
		limit:   rate.Limit(rps),
		burst:   burst,
		stopped: make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Close stops the background sweeper.
func (rl *RateLimiter) Close() { close(rl.stopped) }

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopped:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, a := range rl.actors {
				if time.Since(a.lastSeen) > 3*time.Minute {
					delete(rl.actors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	a, ok := rl.actors[key]
	if !ok {
		a = &actorLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.actors[key] = a
	}
	a.lastSeen = time.Now()
	return a.limiter
}

// Middleware enforces the per-actor limit, answering 429 with Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if p, err := auth.GetPrincipal(r.Context()); err == nil {
			key = p.WorkspaceID + "/" + p.ID
		}
		if !rl.limiterFor(key).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
