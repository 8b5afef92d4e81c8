package hub

import (
	"context"
	"testing"
	"time"
)

func TestHub_SubscribeOnlySeesFutureEnvelopes(t *testing.T) {
	h := New(4)
	h.Publish(Envelope{ID: 1})

	r := h.Subscribe()
	h.Publish(Envelope{ID: 2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, lag, closed, err := r.Recv(ctx)
	if err != nil || closed {
		t.Fatalf("Recv() = (%v, %v, %v, %v)", e, lag, closed, err)
	}
	if e.ID != 2 {
		t.Errorf("ID = %d, want 2 (should not see the pre-subscribe envelope)", e.ID)
	}
}

func TestHub_PublishOrderPreservedPerSubscriber(t *testing.T) {
	h := New(8)
	r := h.Subscribe()
	for i := uint8(0); i < 5; i++ {
		h.Publish(Envelope{ID: i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := uint8(0); i < 5; i++ {
		e, _, closed, err := r.Recv(ctx)
		if err != nil || closed {
			t.Fatalf("Recv() errored: %v closed=%v", err, closed)
		}
		if e.ID != i {
			t.Errorf("envelope %d: ID = %d, want %d", i, e.ID, i)
		}
	}
}

func TestHub_SlowSubscriberObservesLagged(t *testing.T) {
	h := New(2)
	r := h.Subscribe()
	for i := uint8(0); i < 5; i++ {
		h.Publish(Envelope{ID: i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, lag, _, err := r.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if lag == 0 {
		t.Error("expected a non-zero lag after overflowing a capacity-2 queue with 5 publishes")
	}
}

func TestHub_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	h := New(1)
	h.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(Envelope{ID: uint8(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}
}

func TestHub_CloseSignalsSubscribers(t *testing.T) {
	h := New(4)
	r := h.Subscribe()
	h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, closed, err := r.Recv(ctx)
	if err != nil || !closed {
		t.Fatalf("Recv() = (closed=%v, err=%v), want closed=true", closed, err)
	}
}

func TestHub_CloseThenSubscribeYieldsClosedReceiver(t *testing.T) {
	h := New(4)
	h.Close()
	r := h.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, closed, err := r.Recv(ctx)
	if err != nil || !closed {
		t.Fatalf("Recv() = (closed=%v, err=%v), want closed=true", closed, err)
	}
}

func TestReceiver_Unsubscribe(t *testing.T) {
	h := New(4)
	r := h.Subscribe()
	if h.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", h.SubscriberCount())
	}
	r.Unsubscribe()
	if h.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", h.SubscriberCount())
	}
}
