package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"EnergyLedger/internal/ledger"
	"EnergyLedger/internal/notify"
	"EnergyLedger/internal/offer"
	"EnergyLedger/internal/settlement"
	"EnergyLedger/internal/store"
)

// Resolution is what a reconcile pass did with one held offer
type Resolution string

const (
	ResolutionCommitted   Resolution = "committed"   // chain effect confirmed, ledger caught up
	ResolutionCompensated Resolution = "compensated" // chain effect absent, local effect undone
	ResolutionPending     Resolution = "pending"     // still unknown, retry later
	ResolutionManual      Resolution = "manual"      // needs an operator
	ResolutionError       Resolution = "error"       // lookup or storage failure, retry later
	ResolutionSkipped     Resolution = "skipped"     // resolved concurrently
)

type ReconcileItem struct {
	OfferID    string           `json:"offer_id"`
	IntentID   string           `json:"intent_id,omitempty"`
	Kind       store.IntentKind `json:"kind,omitempty"`
	TxHash     string           `json:"tx_hash,omitempty"`
	Resolution Resolution       `json:"resolution"`
	Detail     string           `json:"detail,omitempty"`
}

type ReconcileReport struct {
	Examined    int             `json:"examined"`
	Committed   int             `json:"committed"`
	Compensated int             `json:"compensated"`
	StillHeld   int             `json:"still_held"`
	Items       []ReconcileItem `json:"items"`
}

// Reconcile resolves held offers against the chain. A confirmed
// transaction commits the deferred ledger effect; a reverted one is
// compensated. An unknown transaction stays held, except when nothing was
// ever broadcast and the grace period has passed.
func (c *Coordinator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	held, err := c.store.ListHeldOffers(ctx)
	if err != nil {
		return nil, newError(KindInternal, "list held offers", err)
	}
	c.metrics.ReconcileRuns.Inc()

	report := &ReconcileReport{Items: make([]ReconcileItem, 0, len(held))}
	for _, o := range held {
		if ctx.Err() != nil {
			break
		}
		item := c.reconcileOffer(ctx, o.ID)
		report.Items = append(report.Items, item)
		c.metrics.ReconcileOutcomes.WithLabelValues(string(item.Kind), string(item.Resolution)).Inc()

		switch item.Resolution {
		case ResolutionSkipped:
			continue
		case ResolutionCommitted:
			report.Committed++
		case ResolutionCompensated:
			report.Compensated++
		default:
			report.StillHeld++
		}
		report.Examined++
	}
	c.metrics.HeldOffers.Set(float64(report.StillHeld))
	return report, nil
}

// RunReconciler calls Reconcile every interval until ctx is cancelled.
func (c *Coordinator) RunReconciler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := c.Reconcile(ctx)
			if err != nil {
				c.logger.Error().Err(err).Msg("reconcile pass failed")
				continue
			}
			if report.Examined > 0 {
				c.logger.Info().
					Int("examined", report.Examined).
					Int("committed", report.Committed).
					Int("compensated", report.Compensated).
					Int("still_held", report.StillHeld).
					Msg("reconcile pass")
			}
		}
	}
}

func (c *Coordinator) reconcileOffer(ctx context.Context, offerID string) ReconcileItem {
	item := ReconcileItem{OfferID: offerID}

	unlock, err := c.offers.Lock(ctx, offerID)
	if err != nil {
		item.Resolution, item.Detail = ResolutionError, err.Error()
		return item
	}
	defer unlock()

	o, err := c.store.GetOffer(ctx, offerID)
	if err != nil {
		item.Resolution, item.Detail = ResolutionError, err.Error()
		return item
	}
	if o.Status != offer.StatusHeld {
		item.Resolution = ResolutionSkipped
		return item
	}
	item.IntentID = o.PendingIntent

	intent, err := c.store.GetIntent(ctx, o.PendingIntent)
	if err != nil {
		item.Resolution, item.Detail = ResolutionManual, fmt.Sprintf("intent missing: %v", err)
		c.logger.Error().Err(err).Str("offer_id", offerID).Msg("held offer has no intent")
		return item
	}
	item.Kind, item.TxHash = intent.Kind, intent.TxHash

	if intent.Kind == store.IntentAccept {
		unlockBuyer, err := c.buyers.Lock(ctx, intent.BuyerID)
		if err != nil {
			item.Resolution, item.Detail = ResolutionError, err.Error()
			return item
		}
		defer unlockBuyer()
	}

	status := settlement.LookupUnknown
	if intent.TxHash != "" {
		status, err = c.settle.LookupTransaction(ctx, intent.TxHash)
		if err != nil {
			item.Resolution, item.Detail = ResolutionError, err.Error()
			return item
		}
	}

	log := c.logger.With().Str("offer_id", offerID).Str("intent", intent.ID).Str("tx", intent.TxHash).Logger()

	switch status {
	case settlement.LookupSucceeded:
		resolved, err := c.commitIntent(ctx, intent)
		if err != nil {
			log.Error().Err(err).Msg("settled intent could not be applied")
			item.Resolution, item.Detail = ResolutionManual, err.Error()
			return item
		}
		log.Info().Msg("intent committed")
		item.Resolution = ResolutionCommitted
		c.publishReconciled(ctx, resolved, intent, ResolutionCommitted)
		return item

	case settlement.LookupReverted:
		return c.compensate(ctx, intent, item, "transaction reverted")

	default:
		age := c.cfg.Now().Sub(intent.CreatedAt)
		if age < c.cfg.ReconcileGrace {
			item.Resolution = ResolutionPending
			return item
		}
		if intent.TxHash == "" {
			return c.compensate(ctx, intent, item, "never broadcast")
		}
		// Broadcast but unseen: it may still be mined. An operator decides.
		log.Warn().Dur("age", age).Msg("intent unresolved past grace period")
		item.Resolution, item.Detail = ResolutionManual, "transaction not found after grace period"
		return item
	}
}

func (c *Coordinator) compensate(ctx context.Context, intent *store.Intent, item ReconcileItem, why string) ReconcileItem {
	resolved, err := c.compensateIntent(ctx, intent)
	if err != nil {
		c.logger.Error().Err(err).Str("offer_id", intent.OfferID).Msg("compensation failed")
		item.Resolution, item.Detail = ResolutionError, err.Error()
		return item
	}
	c.logger.Info().Str("offer_id", intent.OfferID).Str("reason", why).Msg("intent compensated")
	item.Resolution, item.Detail = ResolutionCompensated, why
	c.publishReconciled(ctx, resolved, intent, ResolutionCompensated)
	return item
}

// commitIntent applies the effect the chain confirmed.
func (c *Coordinator) commitIntent(ctx context.Context, intent *store.Intent) (*offer.Offer, error) {
	switch intent.Kind {
	case store.IntentAccept:
		return c.applyFill(ctx, intent.OfferID, intent.BuyerID, intent.Units, intent.ID)

	case store.IntentCreate:
		var opened *offer.Offer
		err := c.withTx(ctx, func(tx store.Tx) error {
			o, err := c.heldOn(ctx, tx, intent)
			if err != nil {
				return err
			}
			if err := o.Unhold(); err != nil {
				return err
			}
			o.SettlementTx = intent.TxHash
			if err := tx.DeleteIntent(ctx, intent.ID); err != nil {
				return err
			}
			if err := tx.PutOffer(ctx, o); err != nil {
				return err
			}
			opened = o
			return nil
		})
		return opened, err
	}
	return nil, fmt.Errorf("unknown intent kind %q", intent.Kind)
}

// compensateIntent undoes the local side of an intent whose chain
// transaction did not take effect.
func (c *Coordinator) compensateIntent(ctx context.Context, intent *store.Intent) (*offer.Offer, error) {
	var resolved *offer.Offer
	err := c.withTx(ctx, func(tx store.Tx) error {
		o, err := c.heldOn(ctx, tx, intent)
		if err != nil {
			return err
		}

		switch intent.Kind {
		case store.IntentCreate:
			creator, err := tx.AccountForUpdate(ctx, o.CreatorID)
			if err != nil {
				return err
			}
			now := c.cfg.Now()
			posting := ledger.NewPosting(o.ID, now, creator)
			if err := posting.Release(creator.ID, o.RemainingUnits); err != nil {
				return err
			}
			batch, err := posting.Finish()
			if err != nil {
				return err
			}
			if err := o.Abandon(now); err != nil {
				return err
			}
			creator.UpdatedAt = now
			if err := putAll(ctx, tx, []*ledger.Account{creator}, nil, nil, batch); err != nil {
				return err
			}

		case store.IntentAccept:
			if err := o.Unhold(); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown intent kind %q", intent.Kind)
		}

		if err := tx.DeleteIntent(ctx, intent.ID); err != nil {
			return err
		}
		if err := tx.PutOffer(ctx, o); err != nil {
			return err
		}
		resolved = o
		return nil
	})
	return resolved, err
}

// heldOn loads the intent's offer for update and checks it is still held
// on that intent.
func (c *Coordinator) heldOn(ctx context.Context, tx store.Tx, intent *store.Intent) (*offer.Offer, error) {
	o, err := tx.OfferForUpdate(ctx, intent.OfferID)
	if err != nil {
		return nil, err
	}
	if o.Status != offer.StatusHeld || o.PendingIntent != intent.ID {
		return nil, errors.New("offer no longer held on intent " + intent.ID)
	}
	if _, err := tx.IntentForUpdate(ctx, intent.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (c *Coordinator) publishReconciled(ctx context.Context, o *offer.Offer, intent *store.Intent, res Resolution) {
	aud := notify.Audience{Segment: o.GridSegment, AccountIDs: []string{o.CreatorID}}
	if intent.BuyerID != "" {
		aud.AccountIDs = append(aud.AccountIDs, intent.BuyerID)
	}
	c.publish(ctx, notify.EventOfferReconciled, o, aud)

	if res != ResolutionCommitted {
		return
	}
	switch intent.Kind {
	case store.IntentCreate:
		c.publish(ctx, notify.EventOfferCreated, o, notify.Audience{Segment: o.GridSegment, AccountIDs: []string{o.CreatorID}})
	case store.IntentAccept:
		c.publishFill(ctx, o, intent.BuyerID)
	}
}
