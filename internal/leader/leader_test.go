package leader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeLeaderStore struct {
	mu          sync.Mutex
	held        bool
	acquireErr  error
	renewResult bool
	renewErr    error
	released    bool
}

func (f *fakeLeaderStore) TryAcquireLeadership(ctx context.Context, instanceID string, leaseDuration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLeaderStore) RenewLeadership(ctx context.Context, instanceID string, leaseDuration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewErr != nil {
		return false, f.renewErr
	}
	return f.renewResult, nil
}

func (f *fakeLeaderStore) ReleaseLeadership(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	f.released = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickAcquiresLeadershipWhenFree(t *testing.T) {
	fs := &fakeLeaderStore{renewResult: true}
	var becameLeader bool
	e := New(fs, Config{HeartbeatInterval: time.Hour, LeaseDuration: time.Minute}, testLogger(),
		func(ctx context.Context) { becameLeader = true },
		func(ctx context.Context) {},
	)

	if err := e.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !e.IsLeader() {
		t.Fatal("expected election to acquire leadership")
	}
	if !becameLeader {
		t.Fatal("expected onBecomeLeader to fire")
	}
}

func TestTickRenewsWhileLeader(t *testing.T) {
	fs := &fakeLeaderStore{renewResult: true}
	e := New(fs, Config{HeartbeatInterval: time.Hour, LeaseDuration: time.Minute}, testLogger(), nil, nil)

	_ = e.tick(context.Background())
	if !e.IsLeader() {
		t.Fatal("expected leadership after first tick")
	}
	_ = e.tick(context.Background())
	if !e.IsLeader() {
		t.Fatal("expected leadership to persist across a successful renew")
	}
}

func TestTickLosesLeadershipWhenRenewFails(t *testing.T) {
	fs := &fakeLeaderStore{renewResult: true}
	var lost bool
	e := New(fs, Config{HeartbeatInterval: time.Hour, LeaseDuration: time.Minute}, testLogger(), nil, func(ctx context.Context) { lost = true })

	_ = e.tick(context.Background())
	if !e.IsLeader() {
		t.Fatal("expected leadership after first tick")
	}

	fs.renewResult = false
	_ = e.tick(context.Background())
	if e.IsLeader() {
		t.Fatal("expected leadership to be lost when renew reports false")
	}
	if !lost {
		t.Fatal("expected onLoseLeadership to fire")
	}
}

func TestTickAcquireErrorIsTreatedAsNotLeaderForThisTick(t *testing.T) {
	fs := &fakeLeaderStore{acquireErr: errors.New("db down")}
	e := New(fs, Config{HeartbeatInterval: time.Hour, LeaseDuration: time.Minute}, testLogger(), nil, nil)

	if err := e.tick(context.Background()); err != nil {
		t.Fatalf("tick should swallow store errors, got %v", err)
	}
	if e.IsLeader() {
		t.Fatal("an acquire error must never result in leadership")
	}
}

func TestInstanceIDIsStableAcrossCalls(t *testing.T) {
	fs := &fakeLeaderStore{}
	e := New(fs, Config{HeartbeatInterval: time.Hour, LeaseDuration: time.Minute}, testLogger(), nil, nil)
	if e.InstanceID() == "" {
		t.Fatal("expected a non-empty instance id")
	}
	if e.InstanceID() != e.InstanceID() {
		t.Fatal("InstanceID must be stable for the lifetime of an Election")
	}
}
