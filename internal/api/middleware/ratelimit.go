// Package middleware provides HTTP middleware components for the clinquery API.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier = 2
	maxClients              = 100
	defaultGlobalRPS        = 100
	defaultClientRPS        = 50
	defaultUnAuthRPS        = 10

	// Warn once the client map passes this share of maxClients.
	clientWarnFraction = 0.8

	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterIdleTimeout     = 1 * time.Hour
)

// RateLimiter decides whether a request may proceed. clientID is empty for
// unauthenticated requests. The in-memory implementation below covers
// single-node deployments; a distributed backend can replace it behind the
// same interface.
type RateLimiter interface {
	Allow(clientID string) bool
}

// InMemoryRateLimiter enforces three token buckets from golang.org/x/time/rate:
// a global bucket over all traffic, one bucket per authenticated client, and
// a shared bucket for anonymous requests. Client buckets are created lazily
// and reaped after sitting idle past the configured timeout.
type InMemoryRateLimiter struct {
	global          *rate.Limiter
	unauthenticated *rate.Limiter

	mu        sync.RWMutex
	perClient map[string]*clientLimiter

	cleanupTicker *time.Ticker
	done          chan struct{}

	clientRPS       int
	clientBurst     int
	cleanupInterval time.Duration
	idleTimeout     time.Duration
	maxClients      int
}

// clientLimiter pairs a client's bucket with its last access time so the
// reaper can find idle entries.
type clientLimiter struct {
	limiter    *rate.Limiter
	mu         sync.Mutex
	lastAccess time.Time
}

// NewInMemoryRateLimiter builds the limiter and starts its cleanup loop.
// Zero burst values default to twice the rate; zero cleanup settings fall
// back to the package defaults. Callers must Close the limiter when done.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	cleanupInterval := config.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	idleTimeout := config.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	rl := &InMemoryRateLimiter{
		global: rate.NewLimiter(
			rate.Limit(config.GlobalRPS),
			computeBurstCapacity(config.GlobalRPS, config.GlobalBurst),
		),
		unauthenticated: rate.NewLimiter(
			rate.Limit(config.UnAuthRPS),
			computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst),
		),
		perClient:       make(map[string]*clientLimiter),
		done:            make(chan struct{}),
		clientRPS:       config.ClientRPS,
		clientBurst:     computeBurstCapacity(config.ClientRPS, config.ClientBurst),
		cleanupInterval: cleanupInterval,
		idleTimeout:     idleTimeout,
		maxClients:      config.MaxClients,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity returns the override when set, otherwise twice the
// sustained rate (a two-second burst window).
func computeBurstCapacity(rps, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rps * burstCapacityMultiplier
}

// Allow applies the global bucket first, then the per-client or anonymous
// bucket depending on whether clientID is set.
func (rl *InMemoryRateLimiter) Allow(clientID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if clientID == "" {
		return rl.unauthenticated.Allow()
	}

	pl := rl.limiterFor(clientID)

	pl.mu.Lock()
	pl.lastAccess = time.Now()
	pl.mu.Unlock()

	return pl.limiter.Allow()
}

// limiterFor fetches the client's bucket, creating it under the write lock
// on first sight.
func (rl *InMemoryRateLimiter) limiterFor(clientID string) *clientLimiter {
	rl.mu.RLock()
	pl, ok := rl.perClient[clientID]
	rl.mu.RUnlock()

	if ok {
		return pl
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another goroutine may have created it between the locks.
	if pl, ok = rl.perClient[clientID]; ok {
		return pl
	}

	pl = &clientLimiter{
		limiter:    rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst),
		lastAccess: time.Now(),
	}
	rl.perClient[clientID] = pl

	if count := len(rl.perClient); count >= int(float64(rl.maxClients)*clientWarnFraction) {
		slog.Warn("rate limiter approaching max clients limit",
			slog.Int("current_clients", count),
			slog.Int("max_clients", rl.maxClients),
			slog.String("recommendation",
				"investigate client ID proliferation or raise the max clients limit"),
		)
	}

	return pl
}

// Close stops the cleanup goroutine. Close is deliberately not part of the
// RateLimiter interface; backends without background work have nothing to
// stop. Callers that need it assert io.Closer.
func (rl *InMemoryRateLimiter) Close() error {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)

	return nil
}

func (rl *InMemoryRateLimiter) startCleanup() {
	rl.cleanupTicker = time.NewTicker(rl.cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.reapIdleClients()
			case <-rl.done:
				return
			}
		}
	}()
}

// reapIdleClients drops buckets whose last access is older than the idle
// timeout, bounding memory for churning client populations.
func (rl *InMemoryRateLimiter) reapIdleClients() {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for clientID, pl := range rl.perClient {
		pl.mu.Lock()
		lastAccess := pl.lastAccess
		pl.mu.Unlock()

		if now.Sub(lastAccess) > rl.idleTimeout {
			delete(rl.perClient, clientID)
		}
	}
}

// RateLimit rejects requests the limiter refuses with a 429 problem
// document. Place it after authentication so authenticated clients get
// their per-client bucket; anonymous requests share the unauthenticated
// one.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if clientCtx, ok := GetClientContext(r.Context()); ok {
				clientID = clientCtx.ClientID
			}

			if limiter.Allow(clientID) {
				next.ServeHTTP(w, r)

				return
			}

			correlationID := GetCorrelationID(r.Context())
			detail := "Rate limit exceeded. Please retry after some time."

			if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
				logger.Error("failed to write response with RFC 7807 error format",
					slog.String("correlation_id", correlationID),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)

				http.Error(w, detail, http.StatusTooManyRequests)
			}
		})
	}
}
