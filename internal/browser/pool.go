package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/fetch"
	"github.com/asyncfetch/htmlfetcher/internal/metrics"
)

// PoolConfig sizes the browser pool and sets recycling thresholds.
type PoolConfig struct {
	// MinSize browsers are kept warm; the sweep replaces retired ones.
	MinSize int
	// MaxSize caps concurrent browser processes.
	MaxSize int
	// MaxAge retires a browser once its process is older than this.
	MaxAge time.Duration
	// MaxUses retires a browser after this many fetches.
	MaxUses int
	// SweepInterval is how often idle browsers are health-checked.
	SweepInterval time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 3
	}
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	if c.MaxUses <= 0 {
		c.MaxUses = 50
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Factory creates a new browser for the pool.
type Factory func() (Handle, error)

// acquirePollInterval is how often a blocked Acquire rescans the pool.
const acquirePollInterval = 100 * time.Millisecond

type instance struct {
	handle    Handle
	createdAt time.Time
	lastUsed  time.Time
	useCount  int
	inUse     bool
}

// Pool hands out healthy browsers to fetch workers. Browsers are reused
// across fetches and recycled once they exceed the age or use thresholds, so
// a leaked page or bloated renderer never lives forever.
type Pool struct {
	cfg     PoolConfig
	factory Factory
	clock   fetch.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	instances []*instance
	stopped   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPool builds a pool around the given factory. Call Start before Acquire.
func NewPool(cfg PoolConfig, factory Factory, clock fetch.Clock, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		clock:   clock,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start warms MinSize browsers and begins the background health sweep. A
// browser that fails to launch aborts startup and tears down the ones that
// already launched.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.cfg.MinSize; i++ {
		if err := ctx.Err(); err != nil {
			p.closeAll("shutdown")
			return fmt.Errorf("pool start: %w", err)
		}
		inst, err := p.create()
		if err != nil {
			p.closeAll("shutdown")
			return fmt.Errorf("pool start: %w", err)
		}
		p.mu.Lock()
		p.instances = append(p.instances, inst)
		p.mu.Unlock()
	}
	p.publishAvailable()
	go p.sweepLoop()
	p.logger.Info("browser pool started",
		zap.Int("min_size", p.cfg.MinSize),
		zap.Int("max_size", p.cfg.MaxSize))
	return nil
}

// Acquire returns a healthy browser, launching one if the pool has capacity.
// When all browsers are busy it blocks, rescanning until one frees up or ctx
// ends.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	start := p.clock.Now()
	if lease, err, done := p.tryAcquire(); done {
		metrics.ObservePoolAcquireWait(p.clock.Now().Sub(start))
		return lease, err
	}

	ticker := time.NewTicker(acquirePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("browser wait canceled: %w", ctx.Err())
		case <-p.stopCh:
			return nil, fmt.Errorf("browser pool stopped")
		case <-ticker.C:
			if lease, err, done := p.tryAcquire(); done {
				metrics.ObservePoolAcquireWait(p.clock.Now().Sub(start))
				return lease, err
			}
		}
	}
}

// tryAcquire makes one pass over the pool. done is false only when every
// browser is busy and the pool is at capacity, i.e. the caller should wait.
func (p *Pool) tryAcquire() (*Lease, error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, fmt.Errorf("browser pool stopped"), true
	}

	// Prefer an idle healthy browser; evict unhealthy idles as we scan.
	kept := p.instances[:0]
	var found *instance
	for _, inst := range p.instances {
		if found == nil && !inst.inUse {
			if p.healthy(inst) {
				found = inst
			} else {
				p.retire(inst, p.retireReason(inst))
				continue
			}
		}
		kept = append(kept, inst)
	}
	p.instances = kept
	if found != nil {
		found.inUse = true
		p.publishAvailableLocked()
		return &Lease{pool: p, inst: found}, nil, true
	}

	if len(p.instances) < p.cfg.MaxSize {
		inst, err := p.create()
		if err != nil {
			return nil, fmt.Errorf("grow pool: %w", err), true
		}
		inst.inUse = true
		p.instances = append(p.instances, inst)
		p.publishAvailableLocked()
		return &Lease{pool: p, inst: inst}, nil, true
	}

	return nil, nil, false
}

// WithBrowser runs fn with an acquired browser and always returns it.
func (p *Pool) WithBrowser(ctx context.Context, fn func(Handle) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Handle())
}

// Stop halts the sweep and closes every browser, busy ones included. The
// pool cannot be restarted.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
	p.closeAll("shutdown")
	p.logger.Info("browser pool stopped")
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Total   int `json:"total"`
	InUse   int `json:"in_use"`
	Idle    int `json:"idle"`
	MinSize int `json:"min_size"`
	MaxSize int `json:"max_size"`
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Total: len(p.instances), MinSize: p.cfg.MinSize, MaxSize: p.cfg.MaxSize}
	for _, inst := range p.instances {
		if inst.inUse {
			s.InUse++
		} else {
			s.Idle++
		}
	}
	return s
}

func (p *Pool) create() (*instance, error) {
	handle, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("create browser: %w", err)
	}
	metrics.ObserveBrowserCreated()
	now := p.clock.Now()
	return &instance{handle: handle, createdAt: now, lastUsed: now}, nil
}

func (p *Pool) healthy(inst *instance) bool {
	if p.clock.Now().Sub(inst.createdAt) >= p.cfg.MaxAge {
		return false
	}
	return inst.useCount < p.cfg.MaxUses
}

func (p *Pool) retireReason(inst *instance) string {
	if p.clock.Now().Sub(inst.createdAt) >= p.cfg.MaxAge {
		return "age"
	}
	return "uses"
}

// retire closes the browser; callers remove it from p.instances themselves.
func (p *Pool) retire(inst *instance, reason string) {
	inst.handle.Close()
	metrics.ObserveBrowserRecycled(reason)
	p.logger.Debug("browser retired",
		zap.String("reason", reason),
		zap.Int("use_count", inst.useCount),
		zap.Duration("age", p.clock.Now().Sub(inst.createdAt)))
}

func (p *Pool) release(inst *instance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst.inUse = false
	inst.useCount++
	inst.lastUsed = p.clock.Now()

	if p.stopped {
		return
	}
	if !p.healthy(inst) {
		p.remove(inst)
		p.retire(inst, p.retireReason(inst))
	}
	p.publishAvailableLocked()
}

// remove drops inst from p.instances. Callers hold p.mu.
func (p *Pool) remove(inst *instance) {
	for i, candidate := range p.instances {
		if candidate == inst {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			return
		}
	}
}

func (p *Pool) sweepLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep retires unhealthy idle browsers and tops the pool back up to MinSize.
func (p *Pool) sweep() {
	p.mu.Lock()
	kept := p.instances[:0]
	for _, inst := range p.instances {
		if !inst.inUse && !p.healthy(inst) {
			p.retire(inst, p.retireReason(inst))
			continue
		}
		kept = append(kept, inst)
	}
	p.instances = kept
	missing := p.cfg.MinSize - len(p.instances)
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		inst, err := p.create()
		if err != nil {
			p.logger.Warn("pool top-up failed", zap.Error(err))
			break
		}
		p.mu.Lock()
		if p.stopped || len(p.instances) >= p.cfg.MaxSize {
			p.mu.Unlock()
			inst.handle.Close()
			return
		}
		p.instances = append(p.instances, inst)
		p.mu.Unlock()
	}
	p.publishAvailable()
}

func (p *Pool) closeAll(reason string) {
	p.mu.Lock()
	instances := p.instances
	p.instances = nil
	p.mu.Unlock()

	for _, inst := range instances {
		inst.handle.Close()
		metrics.ObserveBrowserRecycled(reason)
	}
	p.publishAvailable()
}

func (p *Pool) publishAvailable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishAvailableLocked()
}

func (p *Pool) publishAvailableLocked() {
	idle := 0
	for _, inst := range p.instances {
		if !inst.inUse {
			idle++
		}
	}
	metrics.SetPoolAvailable(idle)
}

// Lease is a checked-out browser. Release returns it to the pool; releasing
// twice is a no-op.
type Lease struct {
	pool     *Pool
	inst     *instance
	released bool
	mu       sync.Mutex
}

// Handle returns the leased browser.
func (l *Lease) Handle() Handle {
	return l.inst.handle
}

// Release returns the browser to the pool.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.release(l.inst)
}

// ChromeFactory returns a Factory that launches real Chrome processes.
func ChromeFactory(cfg Config, logger *zap.Logger) Factory {
	return func() (Handle, error) {
		return New(cfg, logger)
	}
}
