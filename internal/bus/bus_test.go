package bus

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("device.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicDeviceHeartbeat, DeviceHeartbeatEvent{DeviceID: "d1"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicDeviceHeartbeat {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicDeviceHeartbeat)
		}
		hb, ok := event.Payload.(DeviceHeartbeatEvent)
		if !ok || hb.DeviceID != "d1" {
			t.Fatalf("payload = %#v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicDeviceRegistered, DeviceRegisteredEvent{DeviceID: "d1"})
	b.Publish(TopicTaskDispatched, TaskDispatchedEvent{TaskID: "t1"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskDispatched {
			t.Fatalf("task sub got %q", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("task sub timeout")
	}

	for range 2 {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("all sub timeout")
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel not closed")
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount = %d", b.SubscriberCount())
	}
}

func TestBus_SaturatedSubscriberDrops(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	b := NewWithOptions(1, logger)
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// One event fills the buffer; the next must be dropped after the
	// bounded wait rather than blocking forever.
	b.Publish(TopicError, ErrorEvent{Code: "X"})
	done := make(chan struct{})
	go func() {
		b.Publish(TopicError, ErrorEvent{Code: "Y"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on saturated subscriber")
	}
	if b.DroppedEventCount() != 1 {
		t.Fatalf("DroppedEventCount = %d, want 1", b.DroppedEventCount())
	}
}

func TestBus_DropHook(t *testing.T) {
	b := NewWithOptions(1, nil)
	var drops atomic.Int64
	b.SetDropHook(func(string) { drops.Add(1) })

	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicError, ErrorEvent{Code: "X"})
	b.Publish(TopicError, ErrorEvent{Code: "Y"}) // buffer full, dropped

	if drops.Load() != 1 {
		t.Fatalf("drop hook fired %d times, want 1", drops.Load())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := NewWithOptions(1024, nil)
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	const n = 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(TopicTaskResult, TaskResultEvent{TaskID: "t"})
		}()
	}
	wg.Wait()

	received := 0
	for received < n {
		select {
		case <-sub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatalf("received %d of %d", received, n)
		}
	}
}

func TestDropThreshold(t *testing.T) {
	cases := map[int64]int64{1: 1, 9: 1, 10: 10, 99: 10, 100: 100, 1000: 1000}
	for count, want := range cases {
		if got := dropThreshold(count); got != want {
			t.Errorf("dropThreshold(%d) = %d, want %d", count, got, want)
		}
	}
}
