// Package admission implements keyed token-bucket admission control.
//
// Each key (client identity or tenant) owns an independent bucket. A request
// is admitted only when its weight can be deducted immediately; otherwise the
// decision carries the delay after which the same key would succeed. Buckets
// are created lazily and evicted after an idle TTL so the table stays bounded.
package admission

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds controller defaults.
type Config struct {
	// DefaultRPS is the refill rate applied to keys without an explicit rate.
	DefaultRPS float64
	// DefaultBurst is the bucket capacity for keys without an explicit burst.
	DefaultBurst int
	// IdleTTL is how long an untouched bucket survives before eviction.
	IdleTTL time.Duration
	// Shards splits the key table to keep lock contention off the hot path.
	Shards int
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is the wait after which the key would be admitted. Zero when
	// Allowed is true. A weight above the bucket's burst can never be
	// admitted no matter how long the caller waits; such a decision reports
	// the full refill time for the weight so the caller still backs off
	// instead of hot-looping.
	RetryAfter time.Duration
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Controller manages per-key token buckets.
type Controller struct {
	cfg    Config
	shards []*shard
}

// New constructs a Controller, applying defaults for zero config values.
func New(cfg Config) *Controller {
	if cfg.DefaultRPS <= 0 {
		cfg.DefaultRPS = 10
	}
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = int(cfg.DefaultRPS)
		if cfg.DefaultBurst < 1 {
			cfg.DefaultBurst = 1
		}
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return &Controller{cfg: cfg, shards: shards}
}

// Admit checks and deducts weight tokens from the key's bucket using the
// controller defaults.
func (c *Controller) Admit(key string, weight int) Decision {
	return c.AdmitRate(key, c.cfg.DefaultRPS, c.cfg.DefaultBurst, weight)
}

// AdmitRate is Admit with an explicit per-key rate and burst, used for tenant
// buckets whose quota lives on the credential. The rate is fixed when the
// bucket is first created and holds until the bucket is evicted.
func (c *Controller) AdmitRate(key string, rps float64, burst int, weight int) Decision {
	if weight <= 0 {
		weight = 1
	}
	if rps <= 0 {
		rps = c.cfg.DefaultRPS
	}
	if burst <= 0 {
		burst = c.cfg.DefaultBurst
	}

	now := time.Now()
	e := c.shardFor(key).get(key, rps, burst, now)

	if weight > e.lim.Burst() {
		// Can never fit; report the full refill time for the weight.
		return Decision{RetryAfter: durationFor(weight, rps)}
	}
	res := e.lim.ReserveN(now, weight)
	if delay := res.DelayFrom(now); delay > 0 {
		// Reservation would make the bucket go negative for a while; undo it
		// so the tokens are not spent, and tell the caller when to return.
		res.CancelAt(now)
		return Decision{RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

// Len reports the number of live buckets across all shards.
func (c *Controller) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Run evicts idle buckets until the context finishes.
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.evictIdle(now)
		}
	}
}

func (c *Controller) evictIdle(now time.Time) {
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if now.Sub(e.lastSeen) > c.cfg.IdleTTL {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

func (c *Controller) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (s *shard) get(key string, rps float64, burst int, now time.Time) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Limit(rps), burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e
}

func durationFor(weight int, rps float64) time.Duration {
	return time.Duration(float64(weight) / rps * float64(time.Second))
}
