package offer

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition    = errors.New("invalid offer status transition")
	ErrUnitsExceedRemaining = errors.New("units exceed remaining")
)

// Status is the lifecycle state of an offer
type Status string

const (
	StatusOpen      Status = "open"
	StatusHeld      Status = "held" // settlement outcome unknown, awaiting reconciliation
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var validTransitions = map[Status][]Status{
	StatusOpen: {
		StatusCompleted,
		StatusCancelled,
		StatusHeld,
	},
	StatusHeld: {
		StatusOpen,
		StatusCompleted,
		StatusCancelled,
	},
}

// CanTransitionTo validates status transitions
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Offer is a partially fillable sell commitment of energy at a fixed price.
// Units, RemainingUnits are EnergyConfig minor units; PricePerUnit is token
// minor units per whole energy unit; TotalValue is token minor units.
type Offer struct {
	ID             string     `json:"offer_id"`
	CreatorID      string     `json:"creator_id"`
	GridSegment    string     `json:"grid_segment"`
	Units          int64      `json:"units"`
	RemainingUnits int64      `json:"remaining_units"`
	PricePerUnit   int64      `json:"price_per_unit"`
	TotalValue     int64      `json:"total_value"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	SettlementTx   string     `json:"settlement_tx,omitempty"`  // creation tx on chain
	PendingIntent  string     `json:"pending_intent,omitempty"` // set while held
	Version        int64      `json:"version"`
}

// Clone returns a detached copy.
func (o *Offer) Clone() *Offer {
	c := *o
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (o *Offer) transition(next Status) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: offer %s is already %s", ErrInvalidTransition, o.ID, o.Status)
	}
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (offer %s)", ErrInvalidTransition, o.Status, next, o.ID)
	}
	o.Status = next
	return nil
}

// Fill consumes units from an open offer, completing it when nothing remains.
func (o *Offer) Fill(units int64, now time.Time) error {
	if o.Status != StatusOpen {
		return fmt.Errorf("%w: fill in status %s", ErrInvalidTransition, o.Status)
	}
	if units <= 0 {
		return fmt.Errorf("fill units must be positive: %d", units)
	}
	if units > o.RemainingUnits {
		return fmt.Errorf("%w: requested %d, remaining %d", ErrUnitsExceedRemaining, units, o.RemainingUnits)
	}
	o.RemainingUnits -= units
	if o.RemainingUnits == 0 {
		if err := o.transition(StatusCompleted); err != nil {
			return err
		}
		o.CompletedAt = &now
	}
	return nil
}

// Cancel freezes RemainingUnits and closes the offer.
func (o *Offer) Cancel(now time.Time) error {
	if o.Status != StatusOpen {
		return fmt.Errorf("%w: cancel in status %s", ErrInvalidTransition, o.Status)
	}
	if err := o.transition(StatusCancelled); err != nil {
		return err
	}
	o.CompletedAt = &now
	return nil
}

// Hold parks an open offer while a settlement outcome is unknown.
func (o *Offer) Hold(intentID string) error {
	if err := o.transition(StatusHeld); err != nil {
		return err
	}
	o.PendingIntent = intentID
	return nil
}

// Unhold returns a held offer to open once its intent is resolved.
func (o *Offer) Unhold() error {
	if o.Status != StatusHeld {
		return fmt.Errorf("%w: unhold in status %s", ErrInvalidTransition, o.Status)
	}
	if err := o.transition(StatusOpen); err != nil {
		return err
	}
	o.PendingIntent = ""
	return nil
}

// Abandon closes a held offer whose creation never settled on chain.
func (o *Offer) Abandon(now time.Time) error {
	if o.Status != StatusHeld {
		return fmt.Errorf("%w: abandon in status %s", ErrInvalidTransition, o.Status)
	}
	if err := o.transition(StatusCancelled); err != nil {
		return err
	}
	o.PendingIntent = ""
	o.CompletedAt = &now
	return nil
}
