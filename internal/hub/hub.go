// Package hub implements the Subscription Hub: per-conversation
// fan-out of newly appended events to long-polling and streaming
// subscribers, with an EventBus abstraction so a second process can be
// kept in sync over NATS.
package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turnloop/conductor/internal/logger"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// subscriberQueueSize bounds the per-subscriber backlog. Once a slow
// consumer falls behind this far, further events for it are dropped (see
// deliver) rather than applying backpressure to the writer that triggered
// the publish; the subscriber stays registered and is sent no error event.
const subscriberQueueSize = 256

// EventBus delivers published events to every process subscribed to a
// conversation. The default implementation is in-process; NewNATSBus
// wires a second backend so multiple Conductor instances share a log of
// record's fan-out without every reader hitting the database.
type EventBus interface {
	Publish(ctx context.Context, evt v1.Event) error
	Subscribe(ctx context.Context, onEvent func(v1.Event)) (unsubscribe func(), err error)
}

type subscriber struct {
	conv int64
	ch   chan v1.Event
}

// Hub is the Subscription Hub. Hub itself is the EventBus consumer: it
// subscribes to the configured bus once and demultiplexes into
// per-conversation subscriber sets held in memory.
type Hub struct {
	log *logger.Logger
	bus EventBus

	mu      sync.Mutex
	subs    map[int64]map[*subscriber]struct{}
	allSubs map[*subscriber]struct{} // subscribeConversations: every conversation
}

// New constructs a Hub wired to bus. bus may be an in-memory bus (single
// process) or a NATS-backed bus (multi-process).
func New(bus EventBus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		log:     log,
		bus:     bus,
		subs:    make(map[int64]map[*subscriber]struct{}),
		allSubs: make(map[*subscriber]struct{}),
	}
	_, err := bus.Subscribe(context.Background(), h.dispatch)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Publish announces evt to the bus. Callers (the Orchestrator) call this
// immediately after a successful Event Store append.
func (h *Hub) Publish(ctx context.Context, evt v1.Event) error {
	return h.bus.Publish(ctx, evt)
}

func (h *Hub) dispatch(evt v1.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[evt.Conversation] {
		h.deliver(sub, evt)
	}
	for sub := range h.allSubs {
		h.deliver(sub, evt)
	}
}

// deliver must be called with h.mu held. A full channel drops the event
// for that subscriber rather than blocking dispatch for everyone else;
// the subscriber's next getSnapshot/getEventsSince call resynchronizes it.
func (h *Hub) deliver(sub *subscriber, evt v1.Event) {
	select {
	case sub.ch <- evt:
	default:
		h.log.Warn("subscriber queue full, dropping event",
			zap.Int64("conversation", evt.Conversation), zap.Int64("seq", evt.Seq))
	}
}

// Subscribe registers interest in one conversation's events. The returned
// channel receives events published after this call; callers typically
// Subscribe first, then getSnapshot/getEventsSince, accepting the small
// window of possible duplicate delivery the caller should dedupe on seq.
func (h *Hub) Subscribe(conv int64) (<-chan v1.Event, func()) {
	sub := &subscriber{conv: conv, ch: make(chan v1.Event, subscriberQueueSize)}

	h.mu.Lock()
	set, ok := h.subs[conv]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[conv] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[conv], sub)
		if len(h.subs[conv]) == 0 {
			delete(h.subs, conv)
		}
		close(sub.ch)
	}
	return sub.ch, unsub
}

// WaitForEvent is the long-poll primitive: it blocks until an event
// matching predicate arrives with Seq > sinceSeq, ctx is done, or timeout
// elapses, deterministically unregistering its subscriber on every exit
// path. Timeout and cancellation both return a nil event and a nil error.
func (h *Hub) WaitForEvent(ctx context.Context, conv int64, sinceSeq int64, predicate func(v1.Event) bool, timeout time.Duration) (*v1.Event, error) {
	ch, unsub := h.Subscribe(conv)
	defer unsub()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil, nil
			}
			if evt.Seq > sinceSeq && predicate(evt) {
				return &evt, nil
			}
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// SubscribeAll registers interest in every conversation (subscribeConversations).
func (h *Hub) SubscribeAll() (<-chan v1.Event, func()) {
	sub := &subscriber{ch: make(chan v1.Event, subscriberQueueSize)}

	h.mu.Lock()
	h.allSubs[sub] = struct{}{}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.allSubs, sub)
		close(sub.ch)
	}
	return sub.ch, unsub
}
