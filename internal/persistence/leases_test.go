package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/task"
)

func TestAcquireLease(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	grant, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-1", time.Minute, Meta{})
	if err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}
	if !grant.Acquired {
		t.Fatal("first acquisition should win")
	}
	if grant.Lease == nil || grant.Lease.AgentID != "agent-1" {
		t.Fatalf("unexpected lease: %+v", grant.Lease)
	}
	if grant.Lease.LeaseID == "" {
		t.Error("lease id not populated")
	}
}

func TestAcquireLeaseConflict(t *testing.T) {
	clock := newFakeClock()
	store := testStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	first, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-1", time.Minute, Meta{})
	if err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}
	if !first.Acquired {
		t.Fatal("first acquisition should win")
	}

	clock.Advance(20 * time.Second)
	second, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-2", time.Minute, Meta{})
	if err != nil {
		t.Fatalf("conflicting acquire errored: %v", err)
	}
	if second.Acquired {
		t.Fatal("second acquisition should lose while the lease is live")
	}
	if second.Holder != "agent-1" {
		t.Errorf("holder = %s, want agent-1", second.Holder)
	}
	if second.Remaining != 40*time.Second {
		t.Errorf("remaining = %s, want 40s", second.Remaining)
	}

	// A different phase on the same task is independent.
	other, err := store.AcquireLease(ctx, "task-1", task.PhaseReview, "agent-2", time.Minute, Meta{})
	if err != nil {
		t.Fatalf("failed to acquire other phase: %v", err)
	}
	if !other.Acquired {
		t.Error("different phase should not conflict")
	}
}

func TestAcquireLeaseAfterExpiry(t *testing.T) {
	clock := newFakeClock()
	store := testStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	if _, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-1", time.Minute, Meta{}); err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}

	// At exactly the expiry instant the lease is gone; the next acquirer
	// overwrites the row in place.
	clock.Advance(time.Minute)
	grant, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-2", time.Minute, Meta{})
	if err != nil {
		t.Fatalf("failed to acquire expired lease: %v", err)
	}
	if !grant.Acquired {
		t.Fatalf("expired lease not handed over: %+v", grant)
	}
	if grant.Lease.AgentID != "agent-2" {
		t.Errorf("new holder = %s, want agent-2", grant.Lease.AgentID)
	}
	if grant.Lease.RenewedCount != 0 {
		t.Errorf("renewed count not reset, got %d", grant.Lease.RenewedCount)
	}
}

func TestAcquireLeaseUnknownTask(t *testing.T) {
	store := testStore(t)

	_, err := store.AcquireLease(context.Background(), "ghost", task.PhaseImplement, "agent-1", time.Minute, Meta{})
	if !errors.Is(err, task.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestAcquireLeaseIdempotentReplay(t *testing.T) {
	clock := newFakeClock()
	store := testStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	meta := Meta{CorrelationID: "lease-cmd-1"}
	first, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-1", time.Minute, meta)
	if err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}

	// The replay returns the original grant even after expiry.
	clock.Advance(2 * time.Minute)
	replay, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-1", time.Minute, meta)
	if err != nil {
		t.Fatalf("replayed acquire errored: %v", err)
	}
	if !replay.Acquired {
		t.Fatal("replay lost the original grant")
	}
	if replay.Lease.LeaseID != first.Lease.LeaseID {
		t.Errorf("replay lease id = %s, want %s", replay.Lease.LeaseID, first.Lease.LeaseID)
	}
}

func TestRenewLease(t *testing.T) {
	clock := newFakeClock()
	store := testStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	grant, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-1", time.Minute, Meta{})
	if err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}
	lease := grant.Lease

	clock.Advance(30 * time.Second)
	renewed, err := store.RenewLease(ctx, "task-1", task.PhaseImplement, "agent-1", lease.LeaseID, time.Minute, Meta{})
	if err != nil {
		t.Fatalf("failed to renew lease: %v", err)
	}
	if renewed.RenewedCount != 1 {
		t.Errorf("renewed count = %d, want 1", renewed.RenewedCount)
	}
	if want := clock.Now().Add(time.Minute); !renewed.ExpiresAt.Equal(want) {
		t.Errorf("expires at %s, want %s", renewed.ExpiresAt, want)
	}
}

func TestRenewLeaseRejections(t *testing.T) {
	clock := newFakeClock()
	store := testStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	grant, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-1", time.Minute, Meta{})
	if err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}
	lease := grant.Lease

	// Wrong agent.
	if _, err := store.RenewLease(ctx, "task-1", task.PhaseImplement, "agent-2", lease.LeaseID, time.Minute, Meta{}); !errors.Is(err, task.ErrLeaseNotHeld) {
		t.Errorf("wrong agent: expected ErrLeaseNotHeld, got %v", err)
	}

	// Wrong lease id.
	if _, err := store.RenewLease(ctx, "task-1", task.PhaseImplement, "agent-1", "stale-id", time.Minute, Meta{}); !errors.Is(err, task.ErrLeaseNotHeld) {
		t.Errorf("wrong lease id: expected ErrLeaseNotHeld, got %v", err)
	}

	// No lease at all.
	if _, err := store.RenewLease(ctx, "task-1", task.PhaseReview, "agent-1", lease.LeaseID, time.Minute, Meta{}); !errors.Is(err, task.ErrLeaseNotHeld) {
		t.Errorf("no lease: expected ErrLeaseNotHeld, got %v", err)
	}

	// Expired.
	clock.Advance(2 * time.Minute)
	if _, err := store.RenewLease(ctx, "task-1", task.PhaseImplement, "agent-1", lease.LeaseID, time.Minute, Meta{}); !errors.Is(err, task.ErrLeaseNotHeld) {
		t.Errorf("expired: expected ErrLeaseNotHeld, got %v", err)
	}
}

func TestRenewLeaseMaxRenewals(t *testing.T) {
	clock := newFakeClock()
	store := testStore(t, WithNowFunc(clock.Now), WithMaxRenewals(2))
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	grant, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-1", time.Minute, Meta{})
	if err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}
	lease := grant.Lease

	for i := 1; i <= 2; i++ {
		if _, err := store.RenewLease(ctx, "task-1", task.PhaseImplement, "agent-1", lease.LeaseID, time.Minute, Meta{}); err != nil {
			t.Fatalf("renewal %d failed: %v", i, err)
		}
	}

	_, err = store.RenewLease(ctx, "task-1", task.PhaseImplement, "agent-1", lease.LeaseID, time.Minute, Meta{})
	if !errors.Is(err, task.ErrMaxRenewals) {
		t.Fatalf("expected ErrMaxRenewals, got %v", err)
	}

	// The lease itself is still live until it expires.
	live, err := store.GetLease(ctx, "task-1", task.PhaseImplement)
	if err != nil {
		t.Fatalf("failed to get lease: %v", err)
	}
	if live == nil {
		t.Fatal("lease should remain live after a refused renewal")
	}
}

func TestReleaseLease(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	grant, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-1", time.Minute, Meta{})
	if err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}
	lease := grant.Lease

	// Only the holder may release.
	if err := store.ReleaseLease(ctx, "task-1", task.PhaseImplement, "agent-2", lease.LeaseID, Meta{}); !errors.Is(err, task.ErrLeaseNotHeld) {
		t.Errorf("foreign release: expected ErrLeaseNotHeld, got %v", err)
	}

	if err := store.ReleaseLease(ctx, "task-1", task.PhaseImplement, "agent-1", lease.LeaseID, Meta{}); err != nil {
		t.Fatalf("failed to release lease: %v", err)
	}

	live, err := store.GetLease(ctx, "task-1", task.PhaseImplement)
	if err != nil {
		t.Fatalf("failed to get lease: %v", err)
	}
	if live != nil {
		t.Fatalf("lease still present after release: %+v", live)
	}

	// Releasing again reports not held.
	if err := store.ReleaseLease(ctx, "task-1", task.PhaseImplement, "agent-1", lease.LeaseID, Meta{}); !errors.Is(err, task.ErrLeaseNotHeld) {
		t.Errorf("double release: expected ErrLeaseNotHeld, got %v", err)
	}
}

func TestReleaseExpiredLease(t *testing.T) {
	clock := newFakeClock()
	store := testStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	grant, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-1", time.Minute, Meta{})
	if err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}

	clock.Advance(2 * time.Minute)
	err = store.ReleaseLease(ctx, "task-1", task.PhaseImplement, "agent-1", grant.Lease.LeaseID, Meta{})
	if !errors.Is(err, task.ErrLeaseNotHeld) {
		t.Fatalf("expired release: expected ErrLeaseNotHeld, got %v", err)
	}
}

func TestGetLeaseExpiredReadsAbsent(t *testing.T) {
	clock := newFakeClock()
	store := testStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	if _, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, "agent-1", time.Minute, Meta{}); err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}

	clock.Advance(61 * time.Second)
	live, err := store.GetLease(ctx, "task-1", task.PhaseImplement)
	if err != nil {
		t.Fatalf("failed to get lease: %v", err)
	}
	if live != nil {
		t.Fatalf("expired lease still visible: %+v", live)
	}

	count, err := store.CountLiveLeases(ctx)
	if err != nil {
		t.Fatalf("failed to count leases: %v", err)
	}
	if count != 0 {
		t.Errorf("live lease count = %d, want 0", count)
	}
}

// TestAcquireLeaseSingleWinner races many agents for one (task, phase) pair
// and requires exactly one grant.
func TestAcquireLeaseSingleWinner(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("task-1"))

	const acquirers = 16
	var wins atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, acquirers)

	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", n)
			grant, err := store.AcquireLease(ctx, "task-1", task.PhaseImplement, agent, time.Minute, Meta{})
			if err != nil {
				errs <- err
				return
			}
			if grant.Acquired {
				wins.Add(1)
			} else if grant.Holder == "" {
				errs <- fmt.Errorf("losing grant missing holder")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("acquirer failed: %v", err)
	}
	if got := wins.Load(); got != 1 {
		t.Fatalf("winners = %d, want exactly 1", got)
	}
}
