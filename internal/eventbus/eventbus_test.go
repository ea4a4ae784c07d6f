package eventbus

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/antigravity-dev/aonp/internal/store"
)

func TestSubscribeReplaysHistoryThenLiveEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	fake := &fakeStore{events: []store.Event{
		{RunID: "run-1", Type: "run_created"},
		{RunID: "run-1", Type: "run_claimed"},
	}}
	b := New(fake)

	sub, err := b.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	b.Publish(store.Event{RunID: "run-1", Type: "phase_changed"})

	want := []string{"run_created", "run_claimed", "phase_changed"}
	for i, w := range want {
		select {
		case e := <-sub.Events:
			if e.Type != w {
				t.Fatalf("event %d: got %q, want %q", i, e.Type, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d: timed out waiting for %q", i, w)
		}
	}
}

func TestPublishDoesNotDeliverToOtherRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(nil)
	sub, err := b.Subscribe(context.Background(), "run-a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	b.Publish(store.Event{RunID: "run-b", Type: "stdout_line"})

	select {
	case e := <-sub.Events:
		t.Fatalf("unexpected event delivered to run-a subscriber: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullQueueDropsOldestAndMarksLag(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(nil).WithQueueCapacity(2)
	sub, err := b.Subscribe(context.Background(), "run-full")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(store.Event{RunID: "run-full", Type: "stdout_line"})
	}

	sawLag := false
	drained := 0
	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				t.Fatal("channel closed unexpectedly")
			}
			if e.Type == "subscriber_lag" {
				sawLag = true
			}
			drained++
		case <-time.After(50 * time.Millisecond):
			if !sawLag {
				t.Fatal("expected at least one subscriber_lag marker after overflowing a capacity-2 queue")
			}
			return
		}
		if drained > 20 {
			t.Fatal("drained far more events than were ever published; queue bookkeeping is broken")
		}
	}
}

func TestCloseRunSendsStreamEndAndClosesChannel(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(nil)
	sub, err := b.Subscribe(context.Background(), "run-end")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.CloseRun("run-end")

	select {
	case e, ok := <-sub.Events:
		if !ok {
			t.Fatal("channel closed before delivering stream_end")
		}
		if e.Type != "stream_end" {
			t.Fatalf("got %q, want stream_end", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream_end")
	}

	if _, ok := <-sub.Events; ok {
		t.Fatal("channel should be closed after stream_end")
	}
}

type fakeStore struct {
	store.Store
	events []store.Event
}

func (f *fakeStore) GetEvents(ctx context.Context, runID string, filter store.EventFilter) ([]store.Event, error) {
	return f.events, nil
}
