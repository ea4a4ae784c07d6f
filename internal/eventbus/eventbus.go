// Package eventbus is an in-process, per-run fan-out of Events to live
// subscribers — bounded per-subscriber queues, drop-oldest-on-full, and a
// cold-start replay of recent history from the Run Store so late
// subscribers don't miss context. This is ambient realtime plumbing; the
// Run Store's Events collection remains the durable system of record.
package eventbus

import (
	"context"
	"sync"

	"github.com/antigravity-dev/aonp/internal/store"
)

const (
	defaultQueueCapacity = 256
	defaultReplayCount   = 64
)

// Bus is a per-run subscriber registry plus a cross-run global stream.
type Bus struct {
	mu            sync.RWMutex
	subscribers   map[string][]*subscription
	globalSubs    []*subscription
	eventStore    store.Store
	nextID        uint64
	queueCapacity int
	replayCount   int
}

type subscription struct {
	id     uint64
	ch     chan store.Event
	runID  string
	closed bool
	mu     sync.Mutex
}

// New builds a Bus. eventStore is used only to reconstruct the replay
// window on Subscribe; publish paths never touch it.
func New(eventStore store.Store) *Bus {
	return &Bus{
		subscribers:   make(map[string][]*subscription),
		eventStore:    eventStore,
		queueCapacity: defaultQueueCapacity,
		replayCount:   defaultReplayCount,
	}
}

// WithQueueCapacity overrides the per-subscriber bounded queue size;
// exercised by tests that need to force the drop-oldest path
// deterministically without publishing hundreds of events.
func (b *Bus) WithQueueCapacity(n int) *Bus {
	b.queueCapacity = n
	return b
}

// Subscription is the subscriber-facing handle returned by Subscribe.
type Subscription struct {
	Events <-chan store.Event
	cancel func()
}

// Close stops delivery to this subscription and releases its queue.
func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe returns a Subscription delivering the last replayCount events
// for runID (reconstructed from the Run Store) followed by live events, in
// publish order, per spec.md §4.6.
func (b *Bus) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	sub := &subscription{
		ch:    make(chan store.Event, b.queueCapacity),
		runID: runID,
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers[runID] = append(b.subscribers[runID], sub)
	b.mu.Unlock()

	if b.eventStore != nil {
		history, err := b.eventStore.GetEvents(ctx, runID, store.EventFilter{})
		if err != nil {
			b.removeSubscriber(runID, sub.id)
			return nil, err
		}
		if len(history) > b.replayCount {
			history = history[len(history)-b.replayCount:]
		}
		for _, e := range history {
			sub.deliver(e)
		}
	}

	return &Subscription{
		Events: sub.ch,
		cancel: func() { b.removeSubscriber(runID, sub.id) },
	}, nil
}

// SubscribeGlobal returns a Subscription to publish_global's cross-run
// coarse-grained observability stream; it carries no replay window.
func (b *Bus) SubscribeGlobal() *Subscription {
	sub := &subscription{ch: make(chan store.Event, b.queueCapacity)}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.globalSubs = append(b.globalSubs, sub)
	b.mu.Unlock()

	return &Subscription{
		Events: sub.ch,
		cancel: func() { b.removeGlobalSubscriber(sub.id) },
	}
}

// Publish delivers e to every live subscriber of e.RunID, never blocking on
// a slow subscriber: a full queue drops its oldest undelivered event and
// receives a subscriber_lag marker instead.
func (b *Bus) Publish(e store.Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subscribers[e.RunID]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(e)
	}
}

// PublishGlobal delivers e to every subscriber of the cross-run stream.
func (b *Bus) PublishGlobal(e store.Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.globalSubs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(e)
	}
}

// CloseRun delivers a final stream_end event to every subscriber of runID
// and closes their channels, per spec.md §4.6 / §6.
func (b *Bus) CloseRun(runID string) {
	b.mu.Lock()
	subs := b.subscribers[runID]
	delete(b.subscribers, runID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(store.Event{RunID: runID, Type: "stream_end"})
		sub.close()
	}
}

func (sub *subscription) deliver(e store.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- e:
		return
	default:
	}
	// Queue full: drop the oldest undelivered event, then this one's slot
	// opens up; surface a subscriber_lag marker instead of silently losing
	// position in the stream.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- store.Event{RunID: sub.runID, Type: "subscriber_lag"}:
	default:
	}
	select {
	case sub.ch <- e:
	default:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

func (sub *subscription) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}

func (b *Bus) removeSubscriber(runID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[runID]
	for i, sub := range subs {
		if sub.id == id {
			sub.close()
			b.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[runID]) == 0 {
		delete(b.subscribers, runID)
	}
}

func (b *Bus) removeGlobalSubscriber(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.globalSubs {
		if sub.id == id {
			sub.close()
			b.globalSubs = append(b.globalSubs[:i], b.globalSubs[i+1:]...)
			break
		}
	}
}
