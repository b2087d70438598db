package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grievdesk.org/internal/grievance"
	"grievdesk.org/internal/obs"
)

// Sink delivers an escalation event to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt grievance.EscalationEvent) error
}

// Dispatcher fans escalation events out to sinks from a single background
// worker. Notify never blocks the caller: when the queue is full the event is
// dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration

	mu     sync.RWMutex
	queue  chan grievance.EscalationEvent
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(queueSize int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		queue:   make(chan grievance.EscalationEvent, queueSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Notify implements grievance.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, evt grievance.EscalationEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		obs.Notifications.WithLabelValues("queue", "closed").Inc()
		return fmt.Errorf("%w: dispatcher closed", grievance.ErrNotificationDeliveryFailed)
	}
	select {
	case d.queue <- evt:
		return nil
	default:
		obs.Notifications.WithLabelValues("queue", "dropped").Inc()
		return fmt.Errorf("%w: queue full", grievance.ErrNotificationDeliveryFailed)
	}
}

// Close stops accepting events, drains what is queued and waits for the
// worker to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for evt := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, evt)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, evt grievance.EscalationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := s.Deliver(ctx, evt); err != nil {
		obs.Notifications.WithLabelValues(s.Name(), "failed").Inc()
		obs.Warn("notify.delivery_failed", map[string]any{
			"sink":         s.Name(),
			"grievance_id": evt.GrievanceID,
			"error":        fmt.Errorf("%w: %v", grievance.ErrNotificationDeliveryFailed, err),
		})
		return
	}
	obs.Notifications.WithLabelValues(s.Name(), "delivered").Inc()
}
