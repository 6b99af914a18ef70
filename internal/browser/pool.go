package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snapframe/snapframe/internal/metrics"
	"github.com/snapframe/snapframe/internal/snapshot"
)

// State is the lifecycle position of one pooled handle.
type State string

// Handle states. A handle is owned by at most one in-flight request; it is
// never Idle while a caller still references it.
const (
	StateIdle        State = "idle"
	StateBusy        State = "busy"
	StateUnhealthy   State = "unhealthy"
	StateTerminating State = "terminating"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("browser pool closed")

// Handle wraps one reusable tab together with its pool bookkeeping.
type Handle struct {
	id  string
	tab Tab

	// Guarded by the owning pool's mutex.
	state    State
	lastUsed time.Time
	useCount int
}

// ID returns the handle's registry key.
func (h *Handle) ID() string { return h.id }

// Navigate loads the URL in the handle's tab.
func (h *Handle) Navigate(ctx context.Context, url string) error {
	return h.tab.Navigate(ctx, url)
}

// Capture produces artifact bytes from the handle's tab.
func (h *Handle) Capture(ctx context.Context, opts CaptureOptions) ([]byte, error) {
	return h.tab.Capture(ctx, opts)
}

// Config sizes and tunes the pool.
type Config struct {
	// Target is the pool size the spawner maintains; also the registry bound.
	Target int
	// MaxSpawning bounds concurrent replacement spawns to prevent storms.
	MaxSpawning int
	// MaxWaiters bounds queued Acquire callers; beyond it Acquire fails fast.
	MaxWaiters int
	// IdleAfter is the staleness threshold that forces a probe before reuse.
	IdleAfter time.Duration
	// MaxUses forces a probe after this many renders on one handle.
	MaxUses int
	// ProbeTimeout bounds the liveness probe.
	ProbeTimeout time.Duration
	// SpawnTimeout bounds one backend tab creation.
	SpawnTimeout time.Duration
	// ResetTimeout bounds the blank-page reset on healthy release.
	ResetTimeout time.Duration
	// DegradedAfter is the consecutive spawn/probe failure count at which the
	// pool reports itself degraded.
	DegradedAfter int
}

func (c *Config) applyDefaults() {
	if c.Target <= 0 {
		c.Target = 4
	}
	if c.MaxSpawning <= 0 {
		c.MaxSpawning = 2
	}
	if c.MaxWaiters <= 0 {
		c.MaxWaiters = 64
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 2 * time.Minute
	}
	if c.MaxUses <= 0 {
		c.MaxUses = 50
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 30 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 3 * time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 3
	}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Idle     int
	Busy     int
	Spawning int
	Total    int
}

// Pool owns the handle registry and the idle rotation. Release returns
// handles to the back of a FIFO queue so no handle is starved and waiting
// acquirers are served in arrival order.
type Pool struct {
	cfg     Config
	backend Backend
	logger  *zap.Logger

	idle chan *Handle

	mu       sync.Mutex
	registry map[string]*Handle
	spawning int
	waiters  int
	failures int
	nextID   int
	closed   bool
}

// NewPool constructs a Pool around the backend. Call Start to warm it up.
func NewPool(backend Backend, cfg Config, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		backend:  backend,
		logger:   logger,
		idle:     make(chan *Handle, cfg.Target),
		registry: make(map[string]*Handle, cfg.Target),
	}
}

// Start begins filling the pool toward its target size. Spawns run in the
// background; Acquire callers block until the first handle lands.
func (p *Pool) Start() {
	p.mu.Lock()
	p.ensureCapacityLocked()
	p.mu.Unlock()
}

// Acquire returns an Idle handle, blocking until one is available or the
// context deadline lapses. It never blocks past the deadline.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.waiters >= p.cfg.MaxWaiters {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d waiters queued", snapshot.ErrPoolExhausted, p.cfg.MaxWaiters)
	}
	p.waiters++
	// Re-trigger spawning in case earlier spawn attempts failed and nothing
	// has prompted a refill since.
	p.ensureCapacityLocked()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.waiters--
		p.mu.Unlock()
	}()

	for {
		select {
		case h := <-p.idle:
			if !p.checkout(h) {
				continue
			}
			ok, err := p.probeBeforeReuse(ctx, h)
			if err != nil {
				return nil, err
			}
			if ok {
				return h, nil
			}
			p.retire(h)
			// A replacement is already spawning; keep waiting for it.
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, snapshot.ErrAcquireTimeout
			}
			return nil, fmt.Errorf("acquire canceled: %w", ctx.Err())
		}
	}
}

// Release returns a handle to the rotation or, when the render left it in a
// bad state, retires it and triggers an asynchronous replacement. It must be
// called exactly once per acquired handle.
func (p *Pool) Release(h *Handle, healthy bool) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if h.state != StateBusy {
		p.mu.Unlock()
		p.logger.Warn("release of non-busy handle ignored",
			zap.String("handle", h.id), zap.String("state", string(h.state)))
		return
	}
	if !healthy {
		h.state = StateUnhealthy
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.destroy(h)
		return
	}
	if !healthy {
		p.retire(h)
		return
	}

	resetCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
	err := h.tab.Reset(resetCtx)
	cancel()
	if err != nil {
		p.logger.Warn("tab reset failed, retiring handle",
			zap.String("handle", h.id), zap.Error(err))
		p.retire(h)
		return
	}

	p.requeue(h)
}

// requeue returns a checked-out handle to the idle rotation, destroying it
// instead when the pool closed in the meantime. The send happens under the
// lock so it cannot race Close's drain; the channel capacity matches the
// registry bound, so the send never blocks.
func (p *Pool) requeue(h *Handle) {
	p.mu.Lock()
	if p.closed {
		h.state = StateTerminating
		p.mu.Unlock()
		p.destroy(h)
		return
	}
	h.state = StateIdle
	h.lastUsed = time.Now()
	p.idle <- h
	p.mu.Unlock()
}

// Degraded reports sustained backend unhealthiness: consecutive spawn or
// probe failures at or above the configured threshold.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures >= p.cfg.DegradedAfter
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Spawning: p.spawning, Total: len(p.registry)}
	for _, h := range p.registry {
		switch h.state {
		case StateIdle:
			s.Idle++
		case StateBusy:
			s.Busy++
		}
	}
	return s
}

// Close drains the pool and destroys every handle. Busy handles are destroyed
// when their in-flight release arrives.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.registry))
	for _, h := range p.registry {
		if h.state != StateBusy {
			h.state = StateTerminating
			handles = append(handles, h)
		}
	}
	p.registry = make(map[string]*Handle)
	p.mu.Unlock()

	for {
		select {
		case <-p.idle:
		default:
			goto drained
		}
	}
drained:
	for _, h := range handles {
		if err := h.tab.Close(); err != nil {
			p.logger.Warn("tab close failed", zap.String("handle", h.id), zap.Error(err))
		}
	}
	if err := p.backend.Close(); err != nil {
		p.logger.Warn("backend close failed", zap.Error(err))
	}
}

// checkout flips an idle handle to Busy. Returns false when the handle was
// invalidated between queueing and receipt.
func (p *Pool) checkout(h *Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.state != StateIdle {
		return false
	}
	if _, live := p.registry[h.id]; !live {
		return false
	}
	h.state = StateBusy
	h.useCount++
	return true
}

// probeBeforeReuse health-checks handles that sat idle too long or have been
// reused past the use-count threshold. A passing probe resets the counters.
// The probe never holds an acquirer past its deadline: when ctx expires first,
// the caller gets the acquire-timeout error and the probe settles in the
// background.
func (p *Pool) probeBeforeReuse(ctx context.Context, h *Handle) (bool, error) {
	p.mu.Lock()
	stale := !h.lastUsed.IsZero() && time.Since(h.lastUsed) > p.cfg.IdleAfter
	wornOut := h.useCount > p.cfg.MaxUses
	p.mu.Unlock()
	if !stale && !wornOut {
		return true, nil
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- h.tab.Probe(probeCtx)
	}()

	select {
	case err := <-done:
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.failures++
			p.logger.Warn("handle failed liveness probe",
				zap.String("handle", h.id), zap.Error(err))
			return false, nil
		}
		p.failures = 0
		h.useCount = 1
		return true, nil
	case <-ctx.Done():
		go p.settleAbandonedProbe(h, done)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, snapshot.ErrAcquireTimeout
		}
		return false, fmt.Errorf("acquire canceled: %w", ctx.Err())
	}
}

// settleAbandonedProbe waits out a probe whose acquirer already gave up, then
// returns the handle to the rotation or retires it based on the result.
func (p *Pool) settleAbandonedProbe(h *Handle, done <-chan error) {
	err := <-done
	if err != nil {
		p.mu.Lock()
		p.failures++
		p.mu.Unlock()
		p.logger.Warn("handle failed liveness probe",
			zap.String("handle", h.id), zap.Error(err))
		p.retire(h)
		return
	}
	p.mu.Lock()
	p.failures = 0
	h.useCount = 1
	p.mu.Unlock()
	p.requeue(h)
}

// retire removes a handle from the registry, destroys its tab asynchronously,
// and starts replacement spawns up to the configured bound.
func (p *Pool) retire(h *Handle) {
	p.mu.Lock()
	if h.state == StateTerminating {
		p.mu.Unlock()
		return
	}
	h.state = StateTerminating
	delete(p.registry, h.id)
	p.ensureCapacityLocked()
	p.mu.Unlock()

	go p.destroy(h)
}

func (p *Pool) destroy(h *Handle) {
	if err := h.tab.Close(); err != nil {
		p.logger.Warn("tab close failed", zap.String("handle", h.id), zap.Error(err))
	}
}

// ensureCapacityLocked tops the registry up to the target, bounded by the
// concurrent-spawn limit. Callers hold p.mu.
func (p *Pool) ensureCapacityLocked() {
	if p.closed {
		return
	}
	for len(p.registry)+p.spawning < p.cfg.Target && p.spawning < p.cfg.MaxSpawning {
		p.spawning++
		go p.spawnOne()
	}
}

func (p *Pool) spawnOne() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SpawnTimeout)
	tab, err := p.backend.NewTab(ctx)
	cancel()

	p.mu.Lock()
	p.spawning--
	if err != nil {
		p.failures++
		failures := p.failures
		p.mu.Unlock()
		metrics.ObserveSpawnFailure()
		p.logger.Error("tab spawn failed",
			zap.Error(err), zap.Int("consecutive_failures", failures))
		return
	}
	if p.closed {
		p.mu.Unlock()
		_ = tab.Close()
		return
	}
	p.failures = 0
	p.nextID++
	h := &Handle{
		id:       fmt.Sprintf("tab-%d", p.nextID),
		tab:      tab,
		state:    StateIdle,
		lastUsed: time.Now(),
	}
	p.registry[h.id] = h
	p.ensureCapacityLocked()
	p.idle <- h
	p.mu.Unlock()
}
