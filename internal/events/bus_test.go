package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Event{Type: EventMachineOffline, MachineID: "M1", Timestamp: time.Now()})

	select {
	case evt := <-ch:
		if evt.Type != EventMachineOffline || evt.MachineID != "M1" {
			t.Errorf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := New()
	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Event{Type: EventCommandQueued, MachineID: "M1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Type != EventCommandQueued {
				t.Errorf("subscriber %d got %+v", i, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	cancel()

	// Channel is closed after cancel.
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(Event{Type: EventMachineOnline})
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(Event{Type: EventMachineOnline})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
