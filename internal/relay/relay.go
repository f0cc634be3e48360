package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// ErrBusy is returned when the publish queue is saturated because the broker
// is unreachable; callers see the failure immediately instead of the relay
// growing unbounded memory.
var ErrBusy = errors.New("relay publish queue full")

// ErrStopped is returned for publishes after the relay shut down.
var ErrStopped = errors.New("relay stopped")

// Options wires dependencies and retry bounds for a Relay.
type Options struct {
	Log    *zap.Logger
	Broker Broker
	Lookup Lookup
	NodeID string

	Metrics *Metrics

	PublishAttempts int
	PublishMin      time.Duration
	PublishMax      time.Duration
	PublishBudget   time.Duration
	PendingLimit    int
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
}

type pendingPublish struct {
	ev     ChatEvent
	origin Target
}

// Relay owns the publish path and the broker consumption loop for one node.
// One relay per process, held by the engine context rather than a global.
type Relay struct {
	log    *zap.Logger
	broker Broker
	lookup Lookup
	nodeID string

	metrics *Metrics

	publishAttempts int
	publishMin      time.Duration
	publishMax      time.Duration
	publishBudget   time.Duration
	reconnectMin    time.Duration
	reconnectMax    time.Duration

	pending chan pendingPublish
	healthy atomic.Bool
	stopped atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRelay validates dependencies and applies retry-bound defaults.
func NewRelay(opts Options) (*Relay, error) {
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Lookup == nil {
		return nil, errors.New("registry lookup is required")
	}
	if opts.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.PublishAttempts <= 0 {
		opts.PublishAttempts = 5
	}
	if opts.PublishMin <= 0 {
		opts.PublishMin = 50 * time.Millisecond
	}
	if opts.PublishMax <= 0 {
		opts.PublishMax = 2 * time.Second
	}
	if opts.PublishBudget <= 0 {
		opts.PublishBudget = 10 * time.Second
	}
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = 256
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 250 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 15 * time.Second
	}

	return &Relay{
		log:             opts.Log,
		broker:          opts.Broker,
		lookup:          opts.Lookup,
		nodeID:          opts.NodeID,
		metrics:         opts.Metrics,
		publishAttempts: opts.PublishAttempts,
		publishMin:      opts.PublishMin,
		publishMax:      opts.PublishMax,
		publishBudget:   opts.PublishBudget,
		reconnectMin:    opts.ReconnectMin,
		reconnectMax:    opts.ReconnectMax,
		pending:         make(chan pendingPublish, opts.PendingLimit),
	}, nil
}

// Start launches the publisher and the consumption loop. Call once.
func (r *Relay) Start(ctx context.Context) {
	r.once.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		r.healthy.Store(true)

		r.wg.Add(2)
		go r.publisherLoop(ctx)
		go r.consumeLoop(ctx)
	})
}

// Stop halts both loops and waits for them to drain.
func (r *Relay) Stop() {
	r.stopped.Store(true)
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Healthy reports whether the broker consumer is operating; exposed through
// the admin readiness probe.
func (r *Relay) Healthy() bool {
	return r.healthy.Load()
}

// NodeID identifies this instance in published events.
func (r *Relay) NodeID() string {
	return r.nodeID
}

// Publish queues a chat event from an authenticated session. It fails fast
// with ErrBusy when the pending queue is full; retry and failure reporting
// happen asynchronously so the session is never blocked.
func (r *Relay) Publish(ev ChatEvent, origin Target) error {
	if r.stopped.Load() {
		return ErrStopped
	}
	ev.OriginNode = r.nodeID
	if origin != nil {
		ev.OriginSession = origin.SessionID()
	}
	if ev.SentAt.IsZero() {
		ev.SentAt = time.Now().UTC()
	}

	select {
	case r.pending <- pendingPublish{ev: ev, origin: origin}:
		r.metrics.setPendingDepth(len(r.pending))
		return nil
	default:
		r.metrics.recordPublishFailure("busy")
		return ErrBusy
	}
}

func (r *Relay) publisherLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.pending:
			r.metrics.setPendingDepth(len(r.pending))
			r.publishWithRetry(ctx, item)
		}
	}
}

// publishWithRetry is bounded in both attempt count and total wall time.
// Exhaustion is reported to the originating session, never silently dropped.
func (r *Relay) publishWithRetry(ctx context.Context, item pendingPublish) {
	budgetCtx, cancel := context.WithTimeout(ctx, r.publishBudget)
	defer cancel()

	b := &backoff.Backoff{
		Min:    r.publishMin,
		Max:    r.publishMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
retry:
	for attempt := 1; attempt <= r.publishAttempts; attempt++ {
		err := r.broker.Publish(budgetCtx, item.ev)
		if err == nil {
			r.metrics.recordPublished()
			// Local echo: the sender observes its own message once the
			// broker accepted it; the fan-out loop suppresses the relayed
			// copy.
			if item.origin != nil {
				item.origin.Deliver(item.ev)
			}
			return
		}

		lastErr = err
		r.log.Warn("broker publish failed",
			zap.Int("attempt", attempt),
			zap.String("room", item.ev.Room),
			zap.Error(err))
		if attempt == r.publishAttempts {
			break
		}
		select {
		case <-budgetCtx.Done():
			break retry
		case <-time.After(b.Duration()):
		}
	}

	r.metrics.recordPublishFailure("exhausted")
	r.log.Warn("publish retry budget exhausted",
		zap.String("room", item.ev.Room),
		zap.Error(lastErr))
	if item.origin != nil {
		item.origin.DeliverFailure(item.ev, lastErr)
	}
}

func (r *Relay) consumeLoop(ctx context.Context) {
	defer r.wg.Done()

	b := &backoff.Backoff{
		Min:    r.reconnectMin,
		Max:    r.reconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for ctx.Err() == nil {
		ev, err := r.broker.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.healthy.Store(false)
			r.metrics.recordReconnect()
			wait := b.Duration()
			r.log.Warn("broker consume failed; backing off",
				zap.Duration("wait", wait),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		r.healthy.Store(true)
		b.Reset()
		r.fanOut(ev)
	}
}

// fanOut enqueues the event on every matching session's bounded queue and
// moves on immediately; a slow client never stalls the loop.
func (r *Relay) fanOut(ev ChatEvent) {
	if ev.Room == "" {
		r.metrics.recordDropped("no_room")
		return
	}

	targets := r.lookup.SessionsIn(ev.Room)
	for _, t := range targets {
		if ev.OriginNode == r.nodeID && t.SessionID() == ev.OriginSession {
			r.metrics.recordSuppressed()
			continue
		}
		t.Deliver(ev)
		r.metrics.recordDelivered()
	}
}
