package ratelimit

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per host so a crawl of one site never
// starves requests to another.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

type Config struct {
	// RequestsPerSecond per host. Zero or less disables limiting.
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         5,
	}
}

func NewLimiter(config Config) *Limiter {
	limit := rate.Limit(config.RequestsPerSecond)
	if config.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := config.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rps:   limit,
		burst: burst,
		hosts: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	host = strings.ToLower(host)

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.hosts[host]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.hosts[host] = lim
	}
	return lim
}

// WaitForHost blocks until a request to host is allowed or ctx is done.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	return l.forHost(host).Wait(ctx)
}

// AllowHost reports whether a request to host may proceed right now.
func (l *Limiter) AllowHost(host string) bool {
	return l.forHost(host).Allow()
}

// TrackedHosts is the number of hosts with a bucket.
func (l *Limiter) TrackedHosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}
