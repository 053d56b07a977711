// Package notify fans fleet events out to configured providers. The log
// notifier is always on; webhook and MQTT attach when configured.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/events"
)

// Notifier delivers a single event to one provider.
type Notifier interface {
	Name() string
	Send(ctx context.Context, evt events.Event) error
}

// sendTimeout bounds each provider call so a dead webhook or broker
// cannot back up the dispatch loop.
const sendTimeout = 10 * time.Second

// Dispatcher subscribes to the event bus and forwards each event to all
// providers. Provider failures are logged, never propagated.
type Dispatcher struct {
	bus       *events.Bus
	notifiers []Notifier
	log       *slog.Logger
	cancel    func()
	done      chan struct{}
}

// NewDispatcher creates a dispatcher; call Start to begin forwarding.
func NewDispatcher(bus *events.Bus, log *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		bus:       bus,
		notifiers: notifiers,
		log:       log.With("component", "notify"),
		done:      make(chan struct{}),
	}
}

// Start launches the forwarding goroutine.
func (d *Dispatcher) Start() {
	ch, cancel := d.bus.Subscribe()
	d.cancel = cancel

	go func() {
		defer close(d.done)
		for evt := range ch {
			d.deliver(evt)
		}
	}()
}

// Stop unsubscribes and waits for the loop to drain.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

func (d *Dispatcher) deliver(evt events.Event) {
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := n.Send(ctx, evt); err != nil {
			d.log.Warn("notification failed", "provider", n.Name(), "type", string(evt.Type), "error", err)
		}
		cancel()
	}
}
