// Package notify publishes offer lifecycle events to interested parties.
// Delivery is best effort: callers publish after their state change has
// committed and never roll back on a notification failure.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	EventOfferCreated         = "offer_created"
	EventOfferCancelled       = "offer_cancelled"
	EventOfferCompleted       = "offer_completed"
	EventOfferPartiallyFilled = "offer_partially_filled"
	EventOfferHeld            = "offer_held"
	EventOfferReconciled      = "offer_reconciled"
)

// Audience names who should receive an event. Segment addresses every
// account in a grid segment; AccountIDs lists the resolved recipients.
type Audience struct {
	Segment    string   `json:"segment,omitempty"`
	AccountIDs []string `json:"account_ids,omitempty"`
}

// Event is one lifecycle notification.
type Event struct {
	Name      string      `json:"event"`
	OfferID   string      `json:"offer_id"`
	Audience  Audience    `json:"audience"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notifier delivers events.
type Notifier interface {
	Publish(ctx context.Context, evt Event) error
}

// Fanout publishes every event to each notifier in turn and joins the errors.
type Fanout []Notifier

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
