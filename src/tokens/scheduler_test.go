package tokens

import (
	"context"
	"testing"
	"time"

	"signalbridge/src/model"
)

func TestSchedulerCycleRefreshesOnlyDueCredentials(t *testing.T) {
	due := dueCredential(1)

	fresh := dueCredential(2)
	fresh.CreatedAt = time.Now().UTC()

	store := newFakeStore(due, fresh)
	broker := &fakeBroker{}
	registry := newTestRegistry(t, broker)
	manager := NewManager(store, registry, time.Second)
	scheduler := NewScheduler(manager, store, registry, time.Minute, 5)

	scheduler.RunCycle(context.Background())

	if broker.refreshCalls() != 1 {
		t.Fatalf("expected only the due credential to reach the broker, got %d calls", broker.refreshCalls())
	}

	refreshed, _ := store.GetByID(context.Background(), 1)
	if refreshed.AccessToken != "rotated" {
		t.Fatalf("due credential not refreshed: %q", refreshed.AccessToken)
	}
	untouched, _ := store.GetByID(context.Background(), 2)
	if untouched.AccessToken != "old" {
		t.Fatalf("fresh credential must stay untouched, got %q", untouched.AccessToken)
	}
}

func TestSchedulerCycleIsolatesFailures(t *testing.T) {
	first := dueCredential(1)
	second := dueCredential(2)
	second.BrokerID = "unregistered" // resolves to a config error inside the cycle

	store := newFakeStore(first, second)
	broker := &fakeBroker{}
	registry := newTestRegistry(t, broker)
	manager := NewManager(store, registry, time.Second)
	scheduler := NewScheduler(manager, store, registry, time.Minute, 5)

	scheduler.RunCycle(context.Background())

	refreshed, _ := store.GetByID(context.Background(), 1)
	if refreshed.AccessToken != "rotated" {
		t.Fatalf("healthy credential must refresh despite the broken one, got %q", refreshed.AccessToken)
	}
}

// panickyBroker blows up the first time it sees one chosen credential and
// behaves normally otherwise.
type panickyBroker struct {
	fakeBroker
	panicForID uint
	panicked   bool
}

func (b *panickyBroker) RefreshCredentials(ctx context.Context, cred *model.BrokerCredential) (*model.BrokerCredential, error) {
	if cred.ID == b.panicForID && !b.panicked {
		b.panicked = true
		panic("adapter out of bounds")
	}
	return b.fakeBroker.RefreshCredentials(ctx, cred)
}

func TestSchedulerCycleSurvivesPanickingBroker(t *testing.T) {
	store := newFakeStore(dueCredential(1), dueCredential(2))
	broker := &panickyBroker{panicForID: 1}
	registry := newTestRegistry(t, broker)
	manager := NewManager(store, registry, time.Second)
	scheduler := NewScheduler(manager, store, registry, time.Minute, 5)

	scheduler.RunCycle(context.Background())

	if !broker.panicked {
		t.Fatalf("expected the broken credential to reach the adapter")
	}
	healthy, _ := store.GetByID(context.Background(), 2)
	if healthy.AccessToken != "rotated" {
		t.Fatalf("healthy credential must refresh despite the panicking one, got %q", healthy.AccessToken)
	}

	// The panic must not leave the credential lock held or the overlap guard
	// set; the next cycle refreshes the survivor normally.
	scheduler.RunCycle(context.Background())
	survivor, _ := store.GetByID(context.Background(), 1)
	if survivor.AccessToken != "rotated" {
		t.Fatalf("credential must refresh once the adapter recovers, got %q", survivor.AccessToken)
	}
}

func TestSchedulerSkipsOverlappingCycles(t *testing.T) {
	store := newFakeStore(dueCredential(1))
	broker := &fakeBroker{delay: 200 * time.Millisecond}
	registry := newTestRegistry(t, broker)
	manager := NewManager(store, registry, time.Second)
	scheduler := NewScheduler(manager, store, registry, time.Minute, 5)

	done := make(chan struct{})
	go func() {
		scheduler.RunCycle(context.Background())
		close(done)
	}()
	time.Sleep(50 * time.Millisecond) // first cycle is inside the broker call

	scheduler.RunCycle(context.Background()) // must bail out immediately
	<-done

	if broker.refreshCalls() != 1 {
		t.Fatalf("overlapping cycle must be skipped, got %d broker calls", broker.refreshCalls())
	}
}

func TestSchedulerStartLoopStopsOnContext(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{}
	registry := newTestRegistry(t, broker)
	manager := NewManager(store, registry, time.Second)
	scheduler := NewScheduler(manager, store, registry, 10*time.Millisecond, 5)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- scheduler.StartLoop(ctx) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error from loop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop after context cancellation")
	}
}

func TestValidatorChecksLocalStateFirst(t *testing.T) {
	valid := dueCredential(1)
	valid.ExpiresAt = time.Now().UTC().Add(time.Hour)

	invalid := dueCredential(2)
	invalid.IsValid = false

	store := newFakeStore(valid, invalid)
	broker := &fakeBroker{}
	validator := NewValidator(store, newTestRegistry(t, broker))

	ok, err := validator.ValidateToken(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("expected valid credential, got ok=%v err=%v", ok, err)
	}

	ok, err = validator.ValidateToken(context.Background(), 2)
	if err != nil || ok {
		t.Fatalf("expected invalid credential, got ok=%v err=%v", ok, err)
	}

	ok, err = validator.ValidateToken(context.Background(), 99)
	if err != nil || ok {
		t.Fatalf("expected missing credential to be invalid, got ok=%v err=%v", ok, err)
	}
}

func TestValidatorInvalidateToken(t *testing.T) {
	cred := dueCredential(1)
	store := newFakeStore(cred)
	validator := NewValidator(store, newTestRegistry(t, &fakeBroker{}))

	if err := validator.InvalidateToken(context.Background(), 1, "401 from broker"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after, _ := store.GetByID(context.Background(), 1)
	if after.IsValid {
		t.Fatalf("expected credential invalidated")
	}
	if store.expired[1] != 1 {
		t.Fatalf("expected MarkExpired called once, got %d", store.expired[1])
	}
}
