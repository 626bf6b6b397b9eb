package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the connection-pool surface handed to operations. *pgxpool.Pool
// implements it; tests substitute failing pools.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// RetryPolicy tunes Execute. MaxRetries is the total number of attempts
// before a failure is treated as a pool crash. StaggerInterval spreads
// waiters after an outage: the n-th waiter sleeps n × interval once the
// pool is back, which is backpressure, not an ordering guarantee.
type RetryPolicy struct {
	MaxRetries      int
	RetryDelay      time.Duration
	StaggerInterval time.Duration
}

// DefaultRetryPolicy matches the long-standing production tuning.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		RetryDelay:      2 * time.Second,
		StaggerInterval: 250 * time.Millisecond,
	}
}

// Config describes the pool the manager owns.
type Config struct {
	URL      string
	MinConns int32
	MaxConns int32
	Retry    RetryPolicy
}

// Manager owns the pgx pool and keeps operations flowing across database
// outages. Its life cycle is Build once, Execute/Fetch/Commit from any
// goroutine, Close at shutdown. When an operation exhausts its retries on a
// connection-level error, exactly one caller wins the not-ready transition
// and rebuilds the pool; everyone else waits for readiness to return and
// then tries once more.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	// open is swappable so tests can hand back scripted pools.
	open func(ctx context.Context) (Pool, error)

	mu        sync.Mutex
	pool      Pool
	ready     bool
	gate      chan struct{}
	closed    bool
	episode   uuid.UUID
	crashedAt time.Time

	waiters atomic.Int64

	lifeCtx  context.Context
	lifeStop context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager prepares a manager in the waiting (not ready) state. Call
// Build to open the pool.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		gate:   make(chan struct{}),
	}
	m.open = m.openPool
	m.lifeCtx, m.lifeStop = context.WithCancel(context.Background())
	return m
}

func (m *Manager) openPool(ctx context.Context) (Pool, error) {
	pc, err := pgxpool.ParseConfig(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if m.cfg.MinConns > 0 {
		pc.MinConns = m.cfg.MinConns
	}
	if m.cfg.MaxConns > 0 {
		pc.MaxConns = m.cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Build opens the initial pool and asserts readiness. A failed build leaves
// the manager not ready (callers keep waiting) and is not retried here.
func (m *Manager) Build(ctx context.Context) error {
	pool, err := m.open(ctx)
	if err != nil {
		m.logger.Error("database pool build failed", "error", err)
		return fmt.Errorf("build pool: %w", err)
	}
	m.adopt(pool)
	m.logger.Info("database pool ready", "min_conns", m.cfg.MinConns, "max_conns", m.cfg.MaxConns)
	return nil
}

// adopt installs a fully opened pool and opens the readiness gate. Callers
// therefore never see a pool that is still connecting.
func (m *Manager) adopt(pool Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		pool.Close()
		return
	}
	if m.pool != nil && m.pool != pool {
		m.pool.Close()
	}
	m.pool = pool
	if !m.ready {
		m.ready = true
		close(m.gate)
	}
}

// Ready reports whether operations currently run without waiting.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Waiting returns the number of callers currently parked on the readiness
// gate or in their stagger sleep.
func (m *Manager) Waiting() int64 { return m.waiters.Load() }

// LastCrash returns when the most recent crash episode began and its id.
func (m *Manager) LastCrash() (time.Time, uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.crashedAt, m.episode, !m.crashedAt.IsZero()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) currentPool() (Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.pool == nil {
		return nil, ErrManagerClosed
	}
	return m.pool, nil
}

// Execute runs fn under the resilience contract: wait for readiness with
// staggered admission, retry transient failures on a fixed delay, and on
// exhaustion elect one caller to rebuild the pool while the rest wait for
// the new pool and try exactly once more. The final attempt's error is
// returned unmodified.
func (m *Manager) Execute(ctx context.Context, fn func(ctx context.Context, pool Pool) error) error {
	if err := m.waitTurn(ctx); err != nil {
		return err
	}

	err := m.runAttempts(ctx, fn)
	if err == nil || !IsTransient(err) || ctx.Err() != nil {
		return err
	}

	if episode, elected := m.beginCrash(); elected {
		m.logger.Error("database pool crashed, rebuilding", "episode", episode, "error", err)
		m.wg.Add(1)
		go m.rebuild(episode)
	}
	if werr := m.awaitGate(ctx); werr != nil {
		return werr
	}
	pool, perr := m.currentPool()
	if perr != nil {
		return perr
	}
	return fn(ctx, pool)
}

// waitTurn blocks until the pool is ready. Arrivals during an outage take a
// waiter position and, once readiness returns, sleep position × stagger
// before proceeding.
func (m *Manager) waitTurn(ctx context.Context) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	if m.Ready() {
		return nil
	}
	pos := m.waiters.Add(1)
	err := m.awaitGate(ctx)
	if err == nil {
		err = m.sleep(ctx, time.Duration(pos)*m.cfg.Retry.StaggerInterval)
	}
	m.waiters.Add(-1)
	return err
}

func (m *Manager) runAttempts(ctx context.Context, fn func(ctx context.Context, pool Pool) error) error {
	var err error
	for attempt := 1; attempt <= m.cfg.Retry.MaxRetries; attempt++ {
		pool, perr := m.currentPool()
		if perr != nil {
			return perr
		}
		err = fn(ctx, pool)
		if err == nil || !IsTransient(err) {
			return err
		}
		m.logger.Warn("database operation failed",
			"attempt", attempt, "max_retries", m.cfg.Retry.MaxRetries, "error", err)
		if attempt < m.cfg.Retry.MaxRetries {
			if serr := m.sleep(ctx, m.cfg.Retry.RetryDelay); serr != nil {
				return serr
			}
		}
	}
	return err
}

// beginCrash is the single check-and-set that turns Ready off. Only the
// winner starts a rebuild, which caps the system at one rebuild per crash
// episode no matter how many operations failed at the same moment.
func (m *Manager) beginCrash() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.ready {
		return uuid.Nil, false
	}
	m.ready = false
	m.gate = make(chan struct{})
	m.episode = uuid.New()
	m.crashedAt = time.Now()
	return m.episode, true
}

// rebuild closes every connection and reopens with the same credentials,
// retrying on the fixed delay until it succeeds or the manager closes. The
// old pool stays referenced (closed) until the new one is adopted, so racing
// operations fail with a transient closed-pool error instead of a nil pool.
func (m *Manager) rebuild(episode uuid.UUID) {
	defer m.wg.Done()
	m.mu.Lock()
	old := m.pool
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	for {
		if m.lifeCtx.Err() != nil {
			return
		}
		pool, err := m.open(m.lifeCtx)
		if err == nil {
			m.adopt(pool)
			m.logger.Info("database pool rebuilt", "episode", episode)
			return
		}
		m.logger.Error("database pool rebuild failed, retrying",
			"episode", episode, "retry_delay", m.cfg.Retry.RetryDelay, "error", err)
		if serr := m.sleepLife(m.cfg.Retry.RetryDelay); serr != nil {
			return
		}
	}
}

func (m *Manager) awaitGate(ctx context.Context) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.lifeCtx.Done():
		return ErrManagerClosed
	}
}

// sleep waits for d unless the caller's ctx or the manager's life ends.
func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.lifeCtx.Done():
		return ErrManagerClosed
	}
}

func (m *Manager) sleepLife(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-m.lifeCtx.Done():
		return ErrManagerClosed
	}
}

// Close releases the pool, stops any in-flight rebuild, and unblocks every
// waiter with ErrManagerClosed. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pool := m.pool
	m.pool = nil
	m.ready = false
	m.mu.Unlock()

	m.lifeStop()
	m.wg.Wait()
	if pool != nil {
		pool.Close()
	}
}
