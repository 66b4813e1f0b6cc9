// Package ratelimit provides an optional per-remote-IP submission throttle.
// Rate-limiting policy is explicitly a deployment concern (spec Non-goals);
// this is the ambient middleware hook a deployment can enable, grounded on
// the golang.org/x/time/rate dependency the teacher already carries
// (pkg/hkpserver/server_test.go imports it) but never wires into a real
// limiter.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/openkeysrv/keyserver/internal/pkg/apierr"
	"golang.org/x/time/rate"
)

// Limiter throttles requests per remote IP using a token bucket per key.
type Limiter struct {
	mu    sync.Mutex
	byIP  map[string]*rate.Limiter
	every rate.Limit
	burst int
}

// New returns a Limiter allowing burst immediate requests per IP, refilling
// at one token every `every` duration. A zero every disables limiting.
func New(every time.Duration, burst int) *Limiter {
	l := &Limiter{byIP: make(map[string]*rate.Limiter)}
	if every <= 0 {
		l.every = rate.Inf
	} else {
		l.every = rate.Every(every)
	}
	l.burst = burst
	return l
}

func (l *Limiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.byIP[ip]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.byIP[ip] = lim
	}
	return lim.Allow()
}

func remoteIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// Middleware rejects POST (submission) requests over the configured rate
// with 429; other methods pass through unthrottled.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.every == rate.Inf || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		if !l.allow(remoteIP(r)) {
			apierr.WriteText(w, apierr.New(apierr.ErrRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
