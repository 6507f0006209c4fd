package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxTrackedClients = 1024
	sweepInterval     = time.Minute
)

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration // clients unseen for this long are forgotten

	mu         sync.Mutex
	clients    map[string]*client
	maxClients int

	stop     chan struct{}
	stopOnce sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perWindow requests per window for each client,
// all of which may arrive as a burst.
func NewRateLimiter(perWindow int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		limit:      rate.Every(window / time.Duration(perWindow)),
		burst:      perWindow,
		idle:       2 * window,
		clients:    make(map[string]*client),
		maxClients: maxTrackedClients,
		stop:       make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow takes one token from addr's bucket.
func (rl *RateLimiter) Allow(addr string) bool {
	now := time.Now()

	rl.mu.Lock()
	c, ok := rl.clients[addr]
	if !ok {
		if len(rl.clients) >= rl.maxClients {
			rl.makeRoom(now)
		}
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[addr] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// makeRoom drops idle clients, then the least recently seen one if the
// table is still full. Called with mu held.
func (rl *RateLimiter) makeRoom(now time.Time) {
	rl.sweep(now)
	if len(rl.clients) < rl.maxClients {
		return
	}
	var (
		oldest     string
		oldestSeen time.Time
	)
	for addr, c := range rl.clients {
		if oldest == "" || c.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen = addr, c.lastSeen
		}
	}
	delete(rl.clients, oldest)
}

func (rl *RateLimiter) sweep(now time.Time) {
	for addr, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idle {
			delete(rl.clients, addr)
		}
	}
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(remoteHost(r)) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// remoteHost is the TCP peer address without the port. Forwarding headers
// are not trusted.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Close stops the sweep goroutine. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			rl.sweep(now)
			rl.mu.Unlock()
		}
	}
}
