// Package admission implements per-caller request admission: a token bucket
// for burst control plus a rolling quota window, mirroring the API Gateway
// usage plan the service is deployed behind.
package admission

import (
	"errors"
	"sync"
	"time"
)

// Decision is the outcome of an admission check.
type Decision string

const (
	Allowed       Decision = "ALLOWED"
	RateLimited   Decision = "RATE_LIMITED"
	QuotaExceeded Decision = "QUOTA_EXCEEDED"
)

// Config holds the admission limits shared by all callers.
type Config struct {
	// Capacity is the token-bucket burst size C.
	Capacity float64
	// RefillRate is tokens added per second, up to Capacity.
	RefillRate float64
	// Quota is the request allowance per QuotaPeriod.
	Quota int
	// QuotaPeriod is the rolling-window length, typically 24h.
	QuotaPeriod time.Duration
}

// ledger is one caller's accounting. Each ledger has its own lock so hot
// callers never contend with each other.
type ledger struct {
	mu          sync.Mutex
	tokens      float64
	lastRefill  time.Time
	windowCount int
	windowStart time.Time
}

// Controller decides whether requests may proceed. Ledgers are created
// lazily per caller and are never exposed outside this package.
type Controller struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	ledgers map[string]*ledger
}

// NewController validates cfg and returns a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Capacity <= 0 {
		return nil, errors.New("admission: capacity must be positive")
	}
	if cfg.RefillRate <= 0 {
		return nil, errors.New("admission: refill rate must be positive")
	}
	if cfg.Quota <= 0 {
		return nil, errors.New("admission: quota must be positive")
	}
	if cfg.QuotaPeriod <= 0 {
		return nil, errors.New("admission: quota period must be positive")
	}
	return &Controller{
		cfg:     cfg,
		now:     time.Now,
		ledgers: make(map[string]*ledger),
	}, nil
}

// Admit reports whether one request from callerID may proceed. Check and
// decrement happen under the caller's ledger lock, so concurrent requests
// can never jointly exceed the bucket or the quota. RateLimited wins when
// both limits would reject.
func (c *Controller) Admit(callerID string) Decision {
	l := c.ledgerFor(callerID)
	now := c.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(now, c.cfg)
	if now.Sub(l.windowStart) >= c.cfg.QuotaPeriod {
		l.windowStart = now
		l.windowCount = 0
	}

	if l.tokens < 1 {
		return RateLimited
	}
	if l.windowCount >= c.cfg.Quota {
		return QuotaExceeded
	}

	l.tokens--
	l.windowCount++
	return Allowed
}

func (c *Controller) ledgerFor(callerID string) *ledger {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.ledgers[callerID]
	if !ok {
		now := c.now()
		l = &ledger{
			tokens:      c.cfg.Capacity,
			lastRefill:  now,
			windowStart: now,
		}
		c.ledgers[callerID] = l
	}
	return l
}

// refill credits tokens for time elapsed since the last refill, capped at
// the bucket capacity. Must be called with l.mu held.
func (l *ledger) refill(now time.Time, cfg Config) {
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed.Seconds() * cfg.RefillRate
	if l.tokens > cfg.Capacity {
		l.tokens = cfg.Capacity
	}
	l.lastRefill = now
}
