package server

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// PublicConfig throttles the unauthenticated decision route per client IP.
type PublicConfig struct {
	RatePerSecond float64
	Burst         int
}

const maxTrackedClients = 4096

type publicLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*rate.Limiter
}

func newPublicLimiter(cfg PublicConfig) *publicLimiter {
	l := &publicLimiter{limit: rate.Limit(cfg.RatePerSecond), burst: cfg.Burst, clients: map[string]*rate.Limiter{}}
	if l.limit <= 0 {
		l.limit = 1
	}
	if l.burst <= 0 {
		l.burst = 10
	}
	return l
}

func (l *publicLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			l.clients = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[key] = lim
	}
	return lim.Allow()
}

func (l *publicLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/public/") {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !l.allow(host) {
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many decision attempts", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
