package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// captureTarget records deliveries and failures on buffered channels so tests
// can wait without polling.
type captureTarget struct {
	id       string
	events   chan ChatEvent
	failures chan error
}

func newCaptureTarget(id string) *captureTarget {
	return &captureTarget{
		id:       id,
		events:   make(chan ChatEvent, 16),
		failures: make(chan error, 16),
	}
}

func (c *captureTarget) SessionID() string { return c.id }

func (c *captureTarget) Deliver(ev ChatEvent) {
	c.events <- ev
}

func (c *captureTarget) DeliverFailure(_ ChatEvent, err error) {
	c.failures <- err
}

func waitEvent(t *testing.T, c *captureTarget) ChatEvent {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for delivery to %s", c.id)
		return ChatEvent{}
	}
}

func expectNoEvent(t *testing.T, c *captureTarget) {
	t.Helper()
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected delivery to %s: %+v", c.id, ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// staticLookup is a fixed room membership table.
type staticLookup struct {
	mu    sync.Mutex
	rooms map[string][]Target
}

func newStaticLookup() *staticLookup {
	return &staticLookup{rooms: make(map[string][]Target)}
}

func (l *staticLookup) add(room string, t Target) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms[room] = append(l.rooms[room], t)
}

func (l *staticLookup) SessionsIn(room string) []Target {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Target(nil), l.rooms[room]...)
}

// failBroker rejects every publish and blocks consumption until cancelled.
type failBroker struct{}

func (failBroker) Publish(context.Context, ChatEvent) error { return errors.New("broker down") }
func (failBroker) Consume(ctx context.Context) (ChatEvent, error) {
	<-ctx.Done()
	return ChatEvent{}, ctx.Err()
}
func (failBroker) Close() error { return nil }

// stuckBroker signals when a publish starts and then blocks until released.
type stuckBroker struct {
	started chan struct{}
	release chan struct{}
}

func (b *stuckBroker) Publish(ctx context.Context, _ ChatEvent) error {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *stuckBroker) Consume(ctx context.Context) (ChatEvent, error) {
	<-ctx.Done()
	return ChatEvent{}, ctx.Err()
}

func (b *stuckBroker) Close() error { return nil }

func startRelay(t *testing.T, opts Options) *Relay {
	t.Helper()
	if opts.Log == nil {
		opts.Log = zaptest.NewLogger(t)
	}
	r, err := NewRelay(opts)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		r.Stop()
		cancel()
	})
	return r
}

func TestPublishDeliversLocalEcho(t *testing.T) {
	bus := NewMemoryBus()
	lookup := newStaticLookup()
	sender := newCaptureTarget("sender")
	sibling := newCaptureTarget("sibling")
	lookup.add("lobby", sender)
	lookup.add("lobby", sibling)

	r := startRelay(t, Options{
		Broker: bus.Node("node-a"),
		Lookup: lookup,
		NodeID: "node-a",
	})

	if err := r.Publish(ChatEvent{Room: "lobby", SenderID: "u1", Text: "hi"}, sender); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Sender sees exactly one copy: the local echo. The relayed copy coming
	// back through the bus is suppressed.
	ev := waitEvent(t, sender)
	if ev.Text != "hi" || ev.OriginSession != "sender" {
		t.Fatalf("unexpected echo: %+v", ev)
	}
	got := waitEvent(t, sibling)
	if got.Text != "hi" {
		t.Fatalf("unexpected sibling delivery: %+v", got)
	}
	expectNoEvent(t, sender)
	expectNoEvent(t, sibling)
}

func TestCrossNodeFanOut(t *testing.T) {
	bus := NewMemoryBus()

	lookupA := newStaticLookup()
	lookupB := newStaticLookup()
	sender := newCaptureTarget("sender")
	localSibling := newCaptureTarget("local-sibling")
	remote := newCaptureTarget("remote")
	bystander := newCaptureTarget("bystander")
	lookupA.add("lobby", sender)
	lookupA.add("lobby", localSibling)
	lookupB.add("lobby", remote)
	lookupB.add("other-room", bystander)

	relayA := startRelay(t, Options{
		Broker: bus.Node("node-a"),
		Lookup: lookupA,
		NodeID: "node-a",
	})
	startRelay(t, Options{
		Broker: bus.Node("node-b"),
		Lookup: lookupB,
		NodeID: "node-b",
	})

	if err := relayA.Publish(ChatEvent{Room: "lobby", SenderID: "u1", Text: "cross"}, sender); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, target := range []*captureTarget{sender, localSibling, remote} {
		ev := waitEvent(t, target)
		if ev.Text != "cross" || ev.Room != "lobby" {
			t.Fatalf("target %s got wrong event: %+v", target.id, ev)
		}
		if ev.OriginNode != "node-a" {
			t.Fatalf("origin node not stamped: %+v", ev)
		}
	}

	// Exactly once each, and room isolation holds.
	expectNoEvent(t, sender)
	expectNoEvent(t, localSibling)
	expectNoEvent(t, remote)
	expectNoEvent(t, bystander)
}

func TestCrossNodeOrdering(t *testing.T) {
	bus := NewMemoryBus()
	lookupB := newStaticLookup()
	remote := newCaptureTarget("remote")
	lookupB.add("lobby", remote)

	relayA := startRelay(t, Options{
		Broker: bus.Node("node-a"),
		Lookup: newStaticLookup(),
		NodeID: "node-a",
	})
	startRelay(t, Options{
		Broker: bus.Node("node-b"),
		Lookup: lookupB,
		NodeID: "node-b",
	})

	texts := []string{"one", "two", "three", "four"}
	for _, text := range texts {
		if err := relayA.Publish(ChatEvent{Room: "lobby", SenderID: "u1", Text: text}, nil); err != nil {
			t.Fatalf("publish %q: %v", text, err)
		}
	}

	for _, want := range texts {
		ev := waitEvent(t, remote)
		if ev.Text != want {
			t.Fatalf("out of order: want %q, got %q", want, ev.Text)
		}
	}
}

func TestPublishRetryExhaustionReportsFailure(t *testing.T) {
	sender := newCaptureTarget("sender")

	r := startRelay(t, Options{
		Broker:          failBroker{},
		Lookup:          newStaticLookup(),
		NodeID:          "node-a",
		PublishAttempts: 3,
		PublishMin:      time.Millisecond,
		PublishMax:      5 * time.Millisecond,
		PublishBudget:   time.Second,
	})

	if err := r.Publish(ChatEvent{Room: "lobby", SenderID: "u1", Text: "doomed"}, sender); err != nil {
		t.Fatalf("publish should queue despite broker failure: %v", err)
	}

	select {
	case err := <-sender.failures:
		if err == nil {
			t.Fatal("expected a failure cause")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery failure report")
	}
	expectNoEvent(t, sender)
}

func TestPublishFailsFastWhenSaturated(t *testing.T) {
	broker := &stuckBroker{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	defer close(broker.release)

	r := startRelay(t, Options{
		Broker:       broker,
		Lookup:       newStaticLookup(),
		NodeID:       "node-a",
		PendingLimit: 1,
	})

	if err := r.Publish(ChatEvent{Room: "lobby", Text: "first"}, nil); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	// Wait until the publisher goroutine is wedged inside the broker so the
	// queue slot is definitely free for the second publish.
	select {
	case <-broker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher never reached the broker")
	}

	if err := r.Publish(ChatEvent{Room: "lobby", Text: "second"}, nil); err != nil {
		t.Fatalf("second publish should occupy the queue: %v", err)
	}
	if err := r.Publish(ChatEvent{Room: "lobby", Text: "third"}, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestPublishAfterStop(t *testing.T) {
	bus := NewMemoryBus()
	r, err := NewRelay(Options{
		Broker: bus.Node("node-a"),
		Lookup: newStaticLookup(),
		NodeID: "node-a",
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Stop()

	if err := r.Publish(ChatEvent{Room: "lobby", Text: "late"}, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPublishRecoversAfterBrokerOutage(t *testing.T) {
	bus := NewMemoryBus()
	lookup := newStaticLookup()
	target := newCaptureTarget("t1")
	lookup.add("lobby", target)

	bus.SetPublishErr(errors.New("broker offline"))

	r := startRelay(t, Options{
		Broker:          bus.Node("node-a"),
		Lookup:          lookup,
		NodeID:          "node-a",
		PublishAttempts: 10,
		PublishMin:      time.Millisecond,
		PublishMax:      10 * time.Millisecond,
		PublishBudget:   5 * time.Second,
	})

	if err := r.Publish(ChatEvent{Room: "lobby", Text: "delayed"}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Broker comes back mid-retry; the queued event goes through.
	time.Sleep(20 * time.Millisecond)
	bus.SetPublishErr(nil)

	ev := waitEvent(t, target)
	if ev.Text != "delayed" {
		t.Fatalf("unexpected event after recovery: %+v", ev)
	}
}
