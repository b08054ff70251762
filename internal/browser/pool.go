package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/shot"
)

// ErrPoolClosed is returned by Acquire once Shutdown has started.
var ErrPoolClosed = errors.New("browser pool is closed")

// State is the pool lifecycle state.
type State int32

// Pool states.
const (
	StateUninitialized State = iota
	StateWarming
	StateReady
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateWarming:
		return "warming"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of pool bookkeeping.
type Stats struct {
	State        string `json:"state"`
	Capacity     int    `json:"capacity"`
	Idle         int    `json:"idle"`
	Leased       int    `json:"leased"`
	Provisioning int    `json:"provisioning"`
	Launched     uint64 `json:"launched"`
	Evicted      uint64 `json:"evicted"`
}

type entry struct {
	id        string
	session   Session
	createdAt time.Time
	leases    int
	healthy   atomic.Bool
	closeOnce sync.Once
}

// Lease is exclusive use of one pooled session. Release it exactly once.
type Lease struct {
	pool     *Pool
	entry    *entry
	released atomic.Bool
}

// ID identifies the leased session.
func (l *Lease) ID() string { return l.entry.id }

// Session returns the leased browser session.
func (l *Lease) Session() Session { return l.entry.session }

// MarkUnhealthy makes Release close the session instead of reusing it.
func (l *Lease) MarkUnhealthy() { l.entry.healthy.Store(false) }

// Release returns the session to the pool.
func (l *Lease) Release() { l.pool.Release(l) }

// Pool hands out exclusive browser sessions up to a fixed capacity.
// All bookkeeping happens under mu, which is only held for O(1) work;
// launches, pings and closes run outside it.
type Pool struct {
	cfg      Config
	capacity int
	launcher Launcher
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	state        State
	idle         []*entry
	leased       map[string]*entry
	provisioning int
	nextID       int
	// changed is closed and replaced on every state change so waiters can
	// suspend without holding mu.
	changed chan struct{}

	launched atomic.Uint64
	evicted  atomic.Uint64
}

// New builds a pool. No sessions are launched until Warm or Acquire.
func New(cfg Config, launcher Launcher, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaultPingWait
	}
	p := &Pool{
		cfg:      cfg,
		capacity: cfg.Capacity(),
		launcher: launcher,
		logger:   logger.Named("browser_pool"),
		now:      func() time.Time { return time.Now().UTC() },
		leased:   make(map[string]*entry),
		changed:  make(chan struct{}),
	}
	p.logger.Info("browser pool configured",
		zap.Int("capacity", p.capacity),
		zap.Bool("health_check_on_acquire", cfg.HealthCheckOnAcquire))
	return p, nil
}

// Capacity returns the maximum number of live sessions.
func (p *Pool) Capacity() int { return p.capacity }

// Warm provisions sessions in parallel up to capacity. Launch failures are
// logged and left for later acquires to retry.
func (p *Pool) Warm(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.state = StateWarming
	want := p.capacity - p.liveLocked()
	p.provisioning += want
	p.mu.Unlock()

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for range want {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := p.launch(ctx)

			p.mu.Lock()
			p.provisioning--
			switch {
			case err != nil:
				failed.Add(1)
			case p.state == StateClosed:
				p.mu.Unlock()
				p.closeEntry(e, "pool closed during warm-up")
				p.mu.Lock()
			default:
				p.idle = append(p.idle, e)
			}
			p.notifyLocked()
			p.mu.Unlock()

			if err != nil {
				p.logger.Warn("warm-up launch failed", zap.Error(err))
			}
		}()
	}
	wg.Wait()

	p.mu.Lock()
	if p.state == StateWarming {
		p.state = StateReady
	}
	stats := p.statsLocked()
	p.mu.Unlock()

	p.logger.Info("browser pool warmed",
		zap.Int("idle", stats.Idle),
		zap.Int("failed", int(failed.Load())),
		zap.Int("capacity", p.capacity))
	return nil
}

// Acquire leases a healthy session. It suspends until one is idle or the
// pool has room to launch another, and fails with shot.ErrPoolTimeout when
// AcquireTimeout or the caller's deadline elapses first.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.state == StateClosed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			e := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.leased[e.id] = e
			p.mu.Unlock()

			if p.cfg.HealthCheckOnAcquire {
				if err := p.ping(ctx, e); err != nil {
					if ctx.Err() != nil {
						// Our deadline, not the browser, cut the ping short.
						p.putIdle(e)
						return nil, waitErr(ctx)
					}
					p.logger.Warn("browser session failed ping",
						zap.String("session_id", e.id),
						zap.Error(err))
					p.evict(e, "failed health check on acquire")
					continue
				}
			}
			return p.newLease(e), nil
		}

		if p.liveLocked() < p.capacity {
			p.provisioning++
			p.mu.Unlock()

			e, err := p.launch(ctx)

			p.mu.Lock()
			p.provisioning--
			if err != nil {
				p.notifyLocked()
				p.mu.Unlock()
				if ctx.Err() != nil {
					return nil, waitErr(ctx)
				}
				return nil, fmt.Errorf("provision browser: %w", err)
			}
			if p.state == StateClosed {
				p.notifyLocked()
				p.mu.Unlock()
				p.closeEntry(e, "pool closed during launch")
				return nil, ErrPoolClosed
			}
			p.leased[e.id] = e
			if p.state == StateUninitialized {
				p.state = StateReady
			}
			p.mu.Unlock()
			return p.newLease(e), nil
		}

		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, waitErr(ctx)
		}
	}
}

// Release returns a leased session. A session marked unhealthy, or any
// session released after Shutdown began, is closed. Releasing the same
// lease twice is a no-op.
func (p *Pool) Release(l *Lease) {
	if l == nil {
		return
	}
	if !l.released.CompareAndSwap(false, true) {
		p.logger.Warn("lease released more than once", zap.String("session_id", l.entry.id))
		return
	}
	e := l.entry

	p.mu.Lock()
	if _, ok := p.leased[e.id]; !ok {
		// Force-closed by Shutdown.
		p.mu.Unlock()
		return
	}
	delete(p.leased, e.id)
	e.leases++
	reuse := p.state != StateClosed && e.healthy.Load()
	if reuse {
		p.idle = append(p.idle, e)
	}
	p.notifyLocked()
	p.mu.Unlock()

	if !reuse {
		if !e.healthy.Load() {
			p.evicted.Add(1)
		}
		p.closeEntry(e, "released unhealthy or after shutdown")
	}
}

// Shutdown closes every session. Idle sessions close at once; outstanding
// leases are awaited until ctx is done and then closed by force. Waiting
// Acquire calls fail with ErrPoolClosed. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	first := p.state != StateClosed
	p.state = StateClosed
	idle := p.idle
	p.idle = nil
	p.notifyLocked()
	p.mu.Unlock()

	if first {
		p.logger.Info("browser pool shutting down", zap.Int("idle", len(idle)))
	}
	for _, e := range idle {
		p.closeEntry(e, "shutdown")
	}

	for {
		p.mu.Lock()
		if len(p.leased) == 0 && p.provisioning == 0 {
			p.mu.Unlock()
			return nil
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			p.forceClose()
			return fmt.Errorf("browser pool shutdown: %w", ctx.Err())
		}
	}
}

// Stats reports current bookkeeping.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) forceClose() {
	p.mu.Lock()
	leased := make([]*entry, 0, len(p.leased))
	for id, e := range p.leased {
		leased = append(leased, e)
		delete(p.leased, id)
	}
	p.notifyLocked()
	p.mu.Unlock()

	p.logger.Warn("force closing leased sessions", zap.Int("leased", len(leased)))
	for _, e := range leased {
		p.closeEntry(e, "shutdown force timeout")
	}
}

func (p *Pool) launch(ctx context.Context) (*entry, error) {
	start := p.now()
	session, err := p.launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}
	p.launched.Add(1)

	p.mu.Lock()
	p.nextID++
	e := &entry{
		id:        fmt.Sprintf("browser-%d", p.nextID),
		session:   session,
		createdAt: p.now(),
	}
	p.mu.Unlock()
	e.healthy.Store(true)

	p.logger.Debug("browser session launched",
		zap.String("session_id", e.id),
		zap.Duration("startup", p.now().Sub(start)))
	return e, nil
}

func (p *Pool) ping(ctx context.Context, e *entry) error {
	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	defer cancel()
	return e.session.Ping(pingCtx)
}

func (p *Pool) putIdle(e *entry) {
	p.mu.Lock()
	delete(p.leased, e.id)
	if p.state == StateClosed {
		p.notifyLocked()
		p.mu.Unlock()
		p.closeEntry(e, "shutdown")
		return
	}
	p.idle = append(p.idle, e)
	p.notifyLocked()
	p.mu.Unlock()
}

// evict drops a leased-but-not-yet-returned entry found unhealthy during acquire.
func (p *Pool) evict(e *entry, reason string) {
	e.healthy.Store(false)
	p.mu.Lock()
	delete(p.leased, e.id)
	p.notifyLocked()
	p.mu.Unlock()
	p.evicted.Add(1)
	p.closeEntry(e, reason)
}

func (p *Pool) closeEntry(e *entry, reason string) {
	e.closeOnce.Do(func() {
		err := e.session.Close()
		fields := []zap.Field{
			zap.String("session_id", e.id),
			zap.String("reason", reason),
			zap.Int("leases", e.leases),
			zap.Duration("age", p.now().Sub(e.createdAt)),
		}
		if err != nil {
			p.logger.Warn("browser session close failed", append(fields, zap.Error(err))...)
			return
		}
		p.logger.Debug("browser session closed", fields...)
	})
}

func (p *Pool) newLease(e *entry) *Lease {
	return &Lease{pool: p, entry: e}
}

func (p *Pool) liveLocked() int {
	return len(p.idle) + len(p.leased) + p.provisioning
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) statsLocked() Stats {
	return Stats{
		State:        p.state.String(),
		Capacity:     p.capacity,
		Idle:         len(p.idle),
		Leased:       len(p.leased),
		Provisioning: p.provisioning,
		Launched:     p.launched.Load(),
		Evicted:      p.evicted.Load(),
	}
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", shot.ErrPoolTimeout, ctx.Err())
	}
	return fmt.Errorf("acquire browser: %w", ctx.Err())
}
