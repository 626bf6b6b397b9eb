package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ---------------------------------------------------------------------------
// Scripted pools. The manager only needs Pool's surface; tests drive failures
// through the operation passed to Execute, so the pools themselves are inert.
// ---------------------------------------------------------------------------

type fakePool struct {
	mu     sync.Mutex
	id     int
	closed bool
}

func (p *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (p *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakePool: no query scripted")
}

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakePool: no tx scripted")
}

func (p *fakePool) Ping(context.Context) error { return nil }

func (p *fakePool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// poolFactory stands in for pgxpool: every open hands out a fresh fakePool
// with a sequential id, optionally failing or delaying first.
type poolFactory struct {
	mu           sync.Mutex
	pools        []*fakePool
	failures     int           // opens to fail before the next success
	rebuildDelay time.Duration // slows reopen so concurrent crashes settle
	opens        int
}

func (f *poolFactory) open(ctx context.Context) (Pool, error) {
	f.mu.Lock()
	f.opens++
	n := f.opens
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	var delay time.Duration
	if n > 1 {
		delay = f.rebuildDelay
	}
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}

	f.mu.Lock()
	p := &fakePool{id: len(f.pools) + 1}
	f.pools = append(f.pools, p)
	f.mu.Unlock()
	return p, nil
}

func (f *poolFactory) failNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func (f *poolFactory) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *poolFactory) built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pools)
}

func (f *poolFactory) pool(i int) *fakePool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pools[i-1]
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, RetryDelay: time.Millisecond, StaggerInterval: time.Millisecond}
}

func newTestManager(t *testing.T, f *poolFactory) *Manager {
	t.Helper()
	m := NewManager(Config{URL: "postgres://unused", Retry: fastPolicy()}, discardLogger())
	m.open = f.open
	t.Cleanup(m.Close)
	return m
}

func buildTestManager(t *testing.T, f *poolFactory) *Manager {
	t.Helper()
	m := newTestManager(t, f)
	if err := m.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return m
}

// transientErr looks like the connection-level failure PostgreSQL surfaces
// when the server goes away mid-operation.
func transientErr() *pgconn.PgError {
	return &pgconn.PgError{Code: "08006", Message: "connection failure"}
}

// failOnPool returns an operation that fails with a connection error as long
// as it is handed the pool with the given id.
func failOnPool(id int, calls *atomic.Int64) func(context.Context, Pool) error {
	return func(_ context.Context, pool Pool) error {
		if calls != nil {
			calls.Add(1)
		}
		if pool.(*fakePool).id == id {
			return transientErr()
		}
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// 1. TestExecuteWaitsForInitialBuild
// ---------------------------------------------------------------------------

func TestExecuteWaitsForInitialBuild(t *testing.T) {
	f := &poolFactory{}
	m := newTestManager(t, f)

	done := make(chan error, 1)
	go func() {
		done <- m.Execute(context.Background(), func(context.Context, Pool) error { return nil })
	}()
	waitFor(t, "waiter to park", func() bool { return m.Waiting() == 1 })

	// Nothing has a pool yet, so the operation must still be pending.
	select {
	case err := <-done:
		t.Fatalf("Execute returned before Build: %v", err)
	default:
	}

	if err := m.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute after Build: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute still blocked after Build")
	}
	if got := m.Waiting(); got != 0 {
		t.Errorf("waiters after release: got %d, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// 2. TestExecuteRetriesTransientFailures
// ---------------------------------------------------------------------------

func TestExecuteRetriesTransientFailures(t *testing.T) {
	f := &poolFactory{}
	m := buildTestManager(t, f)

	var calls int
	err := m.Execute(context.Background(), func(context.Context, Pool) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Errorf("attempts: got %d, want 3", calls)
	}
	// A retry that recovers must not cost a rebuild.
	if got := f.opened(); got != 1 {
		t.Errorf("pools opened: got %d, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// 3. TestExecuteDoesNotRetryPermanentErrors
// ---------------------------------------------------------------------------

func TestExecuteDoesNotRetryPermanentErrors(t *testing.T) {
	f := &poolFactory{}
	m := buildTestManager(t, f)

	permanent := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	var calls int
	err := m.Execute(context.Background(), func(context.Context, Pool) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("error: got %v, want the statement's own error", err)
	}
	if calls != 1 {
		t.Errorf("attempts: got %d, want 1", calls)
	}
	if !m.Ready() {
		t.Error("manager should stay ready after a permanent error")
	}
	if _, _, crashed := m.LastCrash(); crashed {
		t.Error("a permanent error must not start a crash episode")
	}
}

// ---------------------------------------------------------------------------
// 4. TestExhaustionRebuildsPoolOnce
// ---------------------------------------------------------------------------

func TestExhaustionRebuildsPoolOnce(t *testing.T) {
	f := &poolFactory{}
	m := buildTestManager(t, f)

	var calls atomic.Int64
	if err := m.Execute(context.Background(), failOnPool(1, &calls)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Three failed attempts on the dead pool, one success on the fresh one.
	if got := calls.Load(); got != 4 {
		t.Errorf("attempts: got %d, want 4", got)
	}
	if got := f.opened(); got != 2 {
		t.Errorf("pools opened: got %d, want 2", got)
	}
	if !f.pool(1).isClosed() {
		t.Error("crashed pool was not closed during rebuild")
	}
	if !m.Ready() {
		t.Error("manager should be ready again after the rebuild")
	}
	if _, _, crashed := m.LastCrash(); !crashed {
		t.Error("crash episode was not recorded")
	}
}

// ---------------------------------------------------------------------------
// 5. TestConcurrentExhaustionsShareOneRebuild
//    Eight operations all exhaust their retries on the same dead pool; the
//    whole episode must cost exactly one reopen.
// ---------------------------------------------------------------------------

func TestConcurrentExhaustionsShareOneRebuild(t *testing.T) {
	f := &poolFactory{rebuildDelay: 100 * time.Millisecond}
	m := buildTestManager(t, f)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			return m.Execute(context.Background(), failOnPool(1, nil))
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := f.opened(); got != 2 {
		t.Errorf("pools opened: got %d, want 2 (one rebuild for the whole episode)", got)
	}
	if !f.pool(1).isClosed() {
		t.Error("crashed pool was not closed")
	}
}

// ---------------------------------------------------------------------------
// 6. TestArrivalsDuringOutageWaitForReadiness
// ---------------------------------------------------------------------------

func TestArrivalsDuringOutageWaitForReadiness(t *testing.T) {
	f := &poolFactory{rebuildDelay: 100 * time.Millisecond}
	m := buildTestManager(t, f)

	crash := make(chan error, 1)
	go func() {
		crash <- m.Execute(context.Background(), failOnPool(1, nil))
	}()
	waitFor(t, "crash episode", func() bool { return !m.Ready() })

	// A fresh operation arriving mid-outage parks instead of failing and
	// runs on the rebuilt pool.
	var used int
	err := m.Execute(context.Background(), func(_ context.Context, pool Pool) error {
		used = pool.(*fakePool).id
		return nil
	})
	if err != nil {
		t.Fatalf("Execute during outage: %v", err)
	}
	if used != 2 {
		t.Errorf("operation ran on pool %d, want the rebuilt pool 2", used)
	}
	if err := <-crash; err != nil {
		t.Fatalf("crashing Execute: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 7. TestFinalRetryErrorPropagatesUnmodified
// ---------------------------------------------------------------------------

func TestFinalRetryErrorPropagatesUnmodified(t *testing.T) {
	f := &poolFactory{}
	m := buildTestManager(t, f)

	dead := transientErr()
	var calls int
	err := m.Execute(context.Background(), func(context.Context, Pool) error {
		calls++
		return dead
	})
	if err != dead {
		t.Fatalf("error: got %v, want the final attempt's error untouched", err)
	}
	// Three regular attempts plus exactly one post-rebuild retry.
	if calls != 4 {
		t.Errorf("attempts: got %d, want 4", calls)
	}
	if got := f.opened(); got != 2 {
		t.Errorf("pools opened: got %d, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// 8. TestRebuildKeepsRetryingUntilOpenSucceeds
// ---------------------------------------------------------------------------

func TestRebuildKeepsRetryingUntilOpenSucceeds(t *testing.T) {
	f := &poolFactory{}
	m := buildTestManager(t, f)

	f.failNext(2)
	if err := m.Execute(context.Background(), failOnPool(1, nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// One initial open, two failed reopens, then the good one.
	if got := f.opened(); got != 4 {
		t.Errorf("opens: got %d, want 4", got)
	}
	if got := f.built(); got != 2 {
		t.Errorf("pools built: got %d, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// 9. TestBuildFailureLeavesManagerWaiting
// ---------------------------------------------------------------------------

func TestBuildFailureLeavesManagerWaiting(t *testing.T) {
	f := &poolFactory{}
	f.failNext(1)
	m := newTestManager(t, f)

	if err := m.Build(context.Background()); err == nil {
		t.Fatal("Build should surface the open failure")
	}
	if m.Ready() {
		t.Error("manager must not report ready after a failed build")
	}

	// A later Build succeeds and opens the gate.
	if err := m.Build(context.Background()); err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if !m.Ready() {
		t.Error("manager should be ready after a successful build")
	}
}

// ---------------------------------------------------------------------------
// 10. TestStaggeredAdmissionDelaysWaiters
// ---------------------------------------------------------------------------

func TestStaggeredAdmissionDelaysWaiters(t *testing.T) {
	f := &poolFactory{}
	m := NewManager(Config{
		URL:   "postgres://unused",
		Retry: RetryPolicy{MaxRetries: 3, RetryDelay: time.Millisecond, StaggerInterval: 40 * time.Millisecond},
	}, discardLogger())
	m.open = f.open
	t.Cleanup(m.Close)

	done := make(chan time.Time, 1)
	go func() {
		_ = m.Execute(context.Background(), func(context.Context, Pool) error { return nil })
		done <- time.Now()
	}()
	waitFor(t, "waiter to park", func() bool { return m.Waiting() == 1 })

	buildAt := time.Now()
	if err := m.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	finished := <-done
	if gap := finished.Sub(buildAt); gap < 40*time.Millisecond {
		t.Errorf("first waiter resumed after %v, want at least the 40ms stagger", gap)
	}
}

// ---------------------------------------------------------------------------
// 11. TestWaiterHonorsContext
// ---------------------------------------------------------------------------

func TestWaiterHonorsContext(t *testing.T) {
	f := &poolFactory{}
	m := newTestManager(t, f) // never built

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Execute(ctx, func(context.Context, Pool) error { return nil })
	}()
	waitFor(t, "waiter to park", func() bool { return m.Waiting() == 1 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("error: got %v, want context.Canceled", err)
	}
	waitFor(t, "waiter count to drop", func() bool { return m.Waiting() == 0 })
}

// ---------------------------------------------------------------------------
// 12. TestCloseUnblocksWaiters
// ---------------------------------------------------------------------------

func TestCloseUnblocksWaiters(t *testing.T) {
	f := &poolFactory{}
	m := newTestManager(t, f) // never built

	done := make(chan error, 1)
	go func() {
		done <- m.Execute(context.Background(), func(context.Context, Pool) error { return nil })
	}()
	waitFor(t, "waiter to park", func() bool { return m.Waiting() == 1 })

	m.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrManagerClosed) {
			t.Fatalf("error: got %v, want ErrManagerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock the waiter")
	}

	err := m.Execute(context.Background(), func(context.Context, Pool) error { return nil })
	if !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Execute after Close: got %v, want ErrManagerClosed", err)
	}
}

// ---------------------------------------------------------------------------
// 13. TestCloseStopsAnUnfinishedRebuild
// ---------------------------------------------------------------------------

func TestCloseStopsAnUnfinishedRebuild(t *testing.T) {
	f := &poolFactory{}
	m := buildTestManager(t, f)
	f.failNext(1 << 30) // the reopen never succeeds

	done := make(chan error, 1)
	go func() {
		done <- m.Execute(context.Background(), failOnPool(1, nil))
	}()
	waitFor(t, "rebuild to start", func() bool { return f.opened() >= 2 })

	m.Close()
	if err := <-done; !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("error: got %v, want ErrManagerClosed", err)
	}
	if !f.pool(1).isClosed() {
		t.Error("original pool should have been closed by the rebuild")
	}
}

// ---------------------------------------------------------------------------
// 14. TestCloseIsIdempotent
// ---------------------------------------------------------------------------

func TestCloseIsIdempotent(t *testing.T) {
	f := &poolFactory{}
	m := buildTestManager(t, f)

	m.Close()
	m.Close()
	if !f.pool(1).isClosed() {
		t.Error("pool should be closed")
	}
	if m.Ready() {
		t.Error("closed manager must not report ready")
	}
}
