package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxTrackedClients bounds limiter memory; the least recently seen clients
// are evicted first.
const maxTrackedClients = 10000

type window struct {
	mu    sync.Mutex
	count int
	until time.Time
}

// RateLimit allows limit requests per client IP per window. Magic-link
// endpoints use it to slow down token guessing.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	clients := expirable.NewLRU[string, *window](maxTrackedClients, nil, per)
	var mu sync.Mutex
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			now := time.Now()

			mu.Lock()
			win, ok := clients.Get(ip)
			if !ok {
				win = &window{until: now.Add(per)}
				clients.Add(ip, win)
			}
			mu.Unlock()

			win.mu.Lock()
			if now.After(win.until) {
				win.count = 0
				win.until = now.Add(per)
			}
			allowed := win.count < limit
			if allowed {
				win.count++
			}
			retryAfter := win.until.Sub(now)
			win.mu.Unlock()

			if !allowed {
				w.Header().Set("Retry-After", retrySeconds(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"success":false,"error":"Too many requests"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keys on the connection address. Forwarded headers only count when
// chi's RealIP ran first and rewrote RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func retrySeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
