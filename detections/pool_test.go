package detections

import (
	"context"
	"errors"
	"testing"
	"time"
)

type sessionRecorder struct {
	created []*fakeSession
}

func (r *sessionRecorder) factory() (Session, error) {
	s := newFakeSession(4, nil)
	r.created = append(r.created, s)
	return s, nil
}

func newTestPool(t *testing.T, size int, timeout time.Duration) (*SessionPool, *sessionRecorder) {
	t.Helper()
	rec := &sessionRecorder{}
	pool, err := NewSessionPool(rec.factory, size, timeout)
	if err != nil {
		t.Fatalf("NewSessionPool failed: %v", err)
	}
	t.Cleanup(pool.Destroy)
	return pool, rec
}

func TestSessionPool_AcquireRelease(t *testing.T) {
	pool, _ := newTestPool(t, 2, time.Second)

	s1, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	s2, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if s1 == s2 {
		t.Fatal("Expected two distinct sessions")
	}

	stats := pool.Stats()
	if stats.InUse != 2 || stats.Available != 0 || stats.TotalAcquired != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	pool.Release(s1)
	pool.Release(s2)

	stats = pool.Stats()
	if stats.InUse != 0 || stats.Available != 2 || stats.TotalReleased != 2 {
		t.Errorf("Unexpected stats after release %+v", stats)
	}
}

func TestSessionPool_AcquireTimeout(t *testing.T) {
	pool, _ := newTestPool(t, 1, 20*time.Millisecond)

	s, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer pool.Release(s)

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("Expected ErrAcquireTimeout, got %v", err)
	}
	if pool.Stats().AcquireFailures != 1 {
		t.Errorf("Expected one acquire failure, got %d", pool.Stats().AcquireFailures)
	}
}

func TestSessionPool_AcquireHonoursContext(t *testing.T) {
	pool, _ := newTestPool(t, 1, time.Minute)

	s, _ := pool.Acquire(context.Background())
	defer pool.Release(s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestSessionPool_Discard(t *testing.T) {
	pool, rec := newTestPool(t, 2, time.Second)

	s, _ := pool.Acquire(context.Background())
	pool.Discard(s, errors.New("run failed"))

	if !s.(*fakeSession).destroyed.Load() {
		t.Error("Expected discarded session to be destroyed")
	}
	if pool.Stats().Discarded != 1 || len(pool.LastErrors()) != 1 {
		t.Errorf("Unexpected stats %+v", pool.Stats())
	}

	pool.replenishSessions()
	if pool.Stats().Available != 2 {
		t.Errorf("Expected replenish to restore 2 sessions, got %d", pool.Stats().Available)
	}
	if len(rec.created) != 3 {
		t.Errorf("Expected one replacement session, created %d in total", len(rec.created))
	}
}

func TestSessionPool_Destroy(t *testing.T) {
	pool, rec := newTestPool(t, 2, time.Second)

	held, _ := pool.Acquire(context.Background())
	pool.Destroy()

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}

	pool.Release(held)
	for i, s := range rec.created {
		if !s.destroyed.Load() {
			t.Errorf("Session %d not destroyed", i)
		}
	}
}

func TestNewSessionPool_FactoryError(t *testing.T) {
	calls := 0
	first := newFakeSession(4, nil)
	_, err := NewSessionPool(func() (Session, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return nil, errors.New("no runtime")
	}, 2, time.Second)

	if err == nil {
		t.Fatal("Expected error when a session cannot be built")
	}
	if !first.destroyed.Load() {
		t.Error("Expected already built sessions to be destroyed")
	}
}
