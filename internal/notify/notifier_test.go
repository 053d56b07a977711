package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/events"
)

type recordingNotifier struct {
	mu   sync.Mutex
	seen []events.Event
	err  error
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Send(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	r.seen = append(r.seen, evt)
	r.mu.Unlock()
	return r.err
}

func (r *recordingNotifier) events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.seen))
	copy(out, r.seen)
	return out
}

func TestDispatcherForwardsEvents(t *testing.T) {
	bus := events.New()
	rec := &recordingNotifier{}
	d := NewDispatcher(bus, nil, rec)
	d.Start()
	defer d.Stop()

	bus.Publish(events.Event{Type: events.EventMachineOffline, MachineID: "M1", Timestamp: time.Now()})

	deadline := time.After(time.Second)
	for {
		if evts := rec.events(); len(evts) == 1 {
			if evts[0].MachineID != "M1" {
				t.Errorf("unexpected event %+v", evts[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("event never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDispatcherSurvivesProviderFailure(t *testing.T) {
	bus := events.New()
	failing := &recordingNotifier{err: errors.New("broker down")}
	rec := &recordingNotifier{}
	d := NewDispatcher(bus, nil, failing, rec)
	d.Start()
	defer d.Stop()

	bus.Publish(events.Event{Type: events.EventCommandExpired, MachineID: "M2"})

	deadline := time.After(time.Second)
	for {
		if len(rec.events()) == 1 {
			return // second provider still received the event
		}
		select {
		case <-deadline:
			t.Fatal("event lost after earlier provider failed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWebhookSend(t *testing.T) {
	var got events.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL)
	evt := events.Event{Type: events.EventMachineOffline, MachineID: "M1", Timestamp: time.Now()}
	if err := w.Send(context.Background(), evt); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got.MachineID != "M1" || got.Type != events.EventMachineOffline {
		t.Errorf("webhook received %+v", got)
	}
}

func TestWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL)
	if err := w.Send(context.Background(), events.Event{Type: events.EventMachineOnline}); err == nil {
		t.Error("expected error for non-2xx response")
	}
}
