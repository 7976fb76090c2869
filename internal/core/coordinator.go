// Package core coordinates offer lifecycle operations across the balance
// ledger and the on-chain settlement contract.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"EnergyLedger/internal/ledger"
	fpmath "EnergyLedger/internal/math"
	"EnergyLedger/internal/notify"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/offer"
	"EnergyLedger/internal/settlement"
	"EnergyLedger/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config tunes the coordinator
type Config struct {
	// SettlementTimeout bounds every settlement call. Expiry is an
	// indeterminate outcome, never a failure.
	SettlementTimeout time.Duration
	// ReconcileGrace is how long an intent with no broadcast transaction
	// may stay held before reconciliation compensates it.
	ReconcileGrace time.Duration
	// EnergyDecimals is the contract's energy precision. Quantities finer
	// than it are rejected before settlement.
	EnergyDecimals int
	// TokenDecimals is the fee token's on-chain precision.
	TokenDecimals int
	// CommitRetries bounds retries of a transaction that hit store.ErrConflict.
	CommitRetries int
	Now           func() time.Time
}

func DefaultConfig() Config {
	return Config{
		SettlementTimeout: 30 * time.Second,
		ReconcileGrace:    10 * time.Minute,
		EnergyDecimals:    0, // the contract stores whole kWh
		TokenDecimals:     18,
		CommitRetries:     3,
		Now:               time.Now,
	}
}

// Coordinator is the offer state machine. Every exported operation is safe
// for concurrent use; operations on the same offer are serialized, and so
// are purchases by the same buyer. The offer lock is always taken before
// the buyer lock.
type Coordinator struct {
	store    store.Store
	settle   settlement.Adapter
	notifier notify.Notifier
	ids      *offer.IDGenerator
	offers   *keyedLock
	buyers   *keyedLock
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cfg      Config
}

func NewCoordinator(
	st store.Store,
	adapter settlement.Adapter,
	notifier notify.Notifier,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Coordinator {
	def := DefaultConfig()
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = def.SettlementTimeout
	}
	if cfg.ReconcileGrace <= 0 {
		cfg.ReconcileGrace = def.ReconcileGrace
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = def.CommitRetries
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Coordinator{
		store:    st,
		settle:   adapter,
		notifier: notifier,
		ids:      offer.NewIDGenerator(cfg.Now),
		offers:   newKeyedLock(),
		buyers:   newKeyedLock(),
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// SeedIDs advances the offer id generator past every persisted offer, so a
// restart with a clock behind the previous run cannot reissue an id. Call it
// once before serving.
func (c *Coordinator) SeedIDs(ctx context.Context) error {
	offers, err := c.store.ListOffers(ctx)
	if err != nil {
		return fmt.Errorf("list offers: %w", err)
	}
	for _, o := range offers {
		if err := c.ids.Observe(o.ID); err != nil {
			c.logger.Warn().Err(err).Msg("offer id not seeded")
		}
	}
	return nil
}

// CreateOfferRequest lists energy for sale. Units are energy minor units,
// PricePerUnit is token minor units per whole energy unit.
type CreateOfferRequest struct {
	CreatorID    string
	Units        int64
	PricePerUnit int64
}

// AcceptOfferRequest buys Units from an open offer.
type AcceptOfferRequest struct {
	BuyerID string
	OfferID string
	Units   int64
}

// ============================================================================
// CreateOffer
// ============================================================================

// CreateOffer reserves the creator's energy, mirrors the offer on chain and
// commits both only if settlement succeeds. The reservation lives in the
// open transaction, so a failed settlement is undone by rollback.
func (c *Coordinator) CreateOffer(ctx context.Context, req CreateOfferRequest) (_ *offer.Offer, err error) {
	defer c.observe("create", time.Now(), &err)

	if req.CreatorID == "" {
		return nil, newError(KindValidation, "creator_id required", nil)
	}
	if req.Units <= 0 {
		return nil, newError(KindValidation, fmt.Sprintf("units must be positive, got %d", req.Units), nil)
	}
	if req.PricePerUnit <= 0 {
		return nil, newError(KindValidation, fmt.Sprintf("price must be positive, got %d", req.PricePerUnit), nil)
	}
	total, err := fpmath.ComputeTotalValue(req.Units, req.PricePerUnit)
	if err != nil {
		return nil, newError(KindValidation, "total value out of range", err)
	}
	if err := c.checkChainUnits(req.Units); err != nil {
		return nil, err
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, newError(KindInternal, "begin transaction", err)
	}
	defer tx.Rollback()

	creator, err := tx.AccountForUpdate(ctx, req.CreatorID)
	if err != nil {
		return nil, classify("creator account", err)
	}

	now := c.cfg.Now()
	o := &offer.Offer{
		ID:             c.ids.Next(),
		CreatorID:      creator.ID,
		GridSegment:    creator.GridSegment,
		Units:          req.Units,
		RemainingUnits: req.Units,
		PricePerUnit:   req.PricePerUnit,
		TotalValue:     total,
		Status:         offer.StatusOpen,
		CreatedAt:      now,
	}

	posting := ledger.NewPosting(o.ID, now, creator)
	if err := posting.Reserve(creator.ID, req.Units); err != nil {
		return nil, classify("insufficient energy", err)
	}
	reserved, err := posting.Finish()
	if err != nil {
		return nil, newError(KindInternal, "ledger invariant", err)
	}
	creator.UpdatedAt = now

	idemKey := IdempotencyKey(string(store.IntentCreate), o.ID, creator.ID, req.Units, uuid.New())
	res := c.callSettlement(ctx, "create_sell_offer", func(sctx context.Context) settlement.Result {
		return c.settle.CreateSellOffer(sctx, settlement.CreateSellOfferRequest{
			SellerAddress:  creator.Wallet,
			Units:          req.Units,
			PricePerUnit:   req.PricePerUnit,
			IdempotencyKey: idemKey,
		})
	})

	log := c.logger.With().Str("offer_id", o.ID).Str("account_id", creator.ID).Logger()

	// The caller may have gone away during settlement; bookkeeping must
	// still land.
	bctx := context.WithoutCancel(ctx)

	switch res.Outcome {
	case settlement.Succeeded:
		o.SettlementTx = res.TxReference
		if err := putAll(bctx, tx, []*ledger.Account{creator}, o, nil, reserved); err != nil {
			return nil, newError(KindInternal, "stage offer", err)
		}
		if err := tx.Commit(); err != nil {
			// The chain side landed; re-stage the reservation on a held offer
			// so reconciliation can open it.
			log.Error().Err(err).Str("tx", res.TxReference).Msg("commit after settled create failed")
			tx.Rollback()
			intent := c.newIntent(store.IntentCreate, o, "", req.Units, total, idemKey, res)
			intent.Reason = err.Error()
			if herr := c.holdSettledCreate(bctx, o, intent); herr != nil {
				log.Error().Err(herr).Str("tx", res.TxReference).Msg("could not hold settled offer; manual reconciliation required")
				return nil, newError(KindInternal, "commit offer", errors.Join(err, herr))
			}
			return o.Clone(), &Error{Kind: KindInternal, Detail: "offer settled on chain, ledger update deferred", OfferID: o.ID, Err: err}
		}
		log.Info().Str("tx", res.TxReference).Int64("units", o.Units).Msg("offer created")
		c.publish(ctx, notify.EventOfferCreated, o, notify.Audience{Segment: o.GridSegment, AccountIDs: []string{o.CreatorID}})
		return o.Clone(), nil

	case settlement.Indeterminate:
		intent := c.newIntent(store.IntentCreate, o, "", req.Units, total, idemKey, res)
		if err := o.Hold(intent.ID); err != nil {
			return nil, newError(KindInternal, "hold offer", err)
		}
		if err := putAll(bctx, tx, []*ledger.Account{creator}, o, intent, reserved); err != nil {
			return nil, newError(KindInternal, "stage held offer", err)
		}
		if err := tx.Commit(); err != nil {
			log.Error().Err(err).Str("tx", res.BroadcastHash).Msg("commit of held offer failed; chain outcome unknown")
			return nil, newError(KindInternal, "commit held offer", err)
		}
		log.Warn().Err(res.Err).Str("tx", res.BroadcastHash).Msg("offer creation held pending reconciliation")
		c.publish(ctx, notify.EventOfferHeld, o, notify.Audience{Segment: o.GridSegment, AccountIDs: []string{o.CreatorID}})
		return o.Clone(), &Error{Kind: KindSettlementIndeterminate, Detail: "offer creation outcome unknown", OfferID: o.ID, Err: res.Err}

	default:
		log.Warn().Err(res.Err).Msg("offer creation settlement failed")
		return nil, newError(KindSettlementFailed, "create sell offer", res.Err)
	}
}

// ============================================================================
// CancelOffer
// ============================================================================

// CancelOffer releases the unfilled reservation and closes the offer. It is
// off-chain only: the on-chain offer record stays as it is.
func (c *Coordinator) CancelOffer(ctx context.Context, requesterID, offerID string) (_ *offer.Offer, err error) {
	defer c.observe("cancel", time.Now(), &err)

	if requesterID == "" || offerID == "" {
		return nil, newError(KindValidation, "requester and offer_id required", nil)
	}

	unlock, err := c.offers.Lock(ctx, offerID)
	if err != nil {
		return nil, newError(KindInternal, "acquire offer lock", err)
	}
	defer unlock()

	var cancelled *offer.Offer
	err = c.withTx(ctx, func(tx store.Tx) error {
		o, err := tx.OfferForUpdate(ctx, offerID)
		if err != nil {
			return classify("offer "+offerID, err)
		}
		if o.CreatorID != requesterID {
			return newError(KindForbidden, "only the creator may cancel an offer", nil)
		}
		if o.Status != offer.StatusOpen {
			return newError(KindInvalidState, fmt.Sprintf("offer is %s", o.Status), nil)
		}

		creator, err := tx.AccountForUpdate(ctx, o.CreatorID)
		if err != nil {
			return classify("creator account", err)
		}
		now := c.cfg.Now()
		var released *ledger.Batch
		if o.RemainingUnits > 0 {
			posting := ledger.NewPosting(o.ID, now, creator)
			if err := posting.Release(creator.ID, o.RemainingUnits); err != nil {
				return newError(KindInternal, "release reservation", err)
			}
			if released, err = posting.Finish(); err != nil {
				return newError(KindInternal, "ledger invariant", err)
			}
		}
		if err := o.Cancel(now); err != nil {
			return classify("cancel", err)
		}
		creator.UpdatedAt = now
		if err := putAll(ctx, tx, []*ledger.Account{creator}, o, nil, released); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().Str("offer_id", offerID).Str("account_id", requesterID).
		Int64("released", cancelled.RemainingUnits).Msg("offer cancelled")
	c.publish(ctx, notify.EventOfferCancelled, cancelled, c.segmentAudience(ctx, cancelled.GridSegment))
	return cancelled.Clone(), nil
}

// ============================================================================
// AcceptOffer
// ============================================================================

// AcceptOffer settles on chain first and mirrors the fill into the ledger
// only after settlement succeeded. The offer lock and the buyer lock are
// both held across the chain call: concurrent accepts on one offer never
// oversell it, and concurrent accepts by one buyer never spend the same
// tokens twice.
func (c *Coordinator) AcceptOffer(ctx context.Context, req AcceptOfferRequest) (_ *offer.Offer, err error) {
	defer c.observe("accept", time.Now(), &err)

	if req.BuyerID == "" || req.OfferID == "" {
		return nil, newError(KindValidation, "buyer and offer_id required", nil)
	}
	if req.Units <= 0 {
		return nil, newError(KindValidation, fmt.Sprintf("units must be positive, got %d", req.Units), nil)
	}
	if err := c.checkChainUnits(req.Units); err != nil {
		return nil, err
	}

	unlock, err := c.offers.Lock(ctx, req.OfferID)
	if err != nil {
		return nil, newError(KindInternal, "acquire offer lock", err)
	}
	defer unlock()

	o, err := c.store.GetOffer(ctx, req.OfferID)
	if err != nil {
		return nil, classify("offer "+req.OfferID, err)
	}
	if o.Status != offer.StatusOpen {
		return nil, newError(KindInvalidState, fmt.Sprintf("offer is %s", o.Status), nil)
	}
	if req.Units > o.RemainingUnits {
		return nil, newError(KindUnitsExceedRemaining,
			fmt.Sprintf("requested %d, remaining %d", req.Units, o.RemainingUnits), nil)
	}
	if req.BuyerID == o.CreatorID {
		return nil, newError(KindForbidden, "creator cannot accept own offer", nil)
	}

	unlockBuyer, err := c.buyers.Lock(ctx, req.BuyerID)
	if err != nil {
		return nil, newError(KindInternal, "acquire buyer lock", err)
	}
	defer unlockBuyer()

	buyer, err := c.store.GetAccount(ctx, req.BuyerID)
	if err != nil {
		return nil, classify("buyer account", err)
	}
	seller, err := c.store.GetAccount(ctx, o.CreatorID)
	if err != nil {
		return nil, classify("seller account", err)
	}
	value, err := fillValue(o, req.Units)
	if err != nil {
		return nil, newError(KindValidation, "fill value out of range", err)
	}
	pending, err := c.pendingSpend(ctx, buyer.ID)
	if err != nil {
		return nil, newError(KindInternal, "held purchases", err)
	}
	if buyer.TokenBalance-pending < value {
		return nil, newError(KindInsufficientBalance,
			fmt.Sprintf("buyer tokens %d (%d held), fill costs %d", buyer.TokenBalance, pending, value), nil)
	}

	idemKey := IdempotencyKey(string(store.IntentAccept), o.ID, buyer.ID, req.Units, uuid.New())
	res := c.callSettlement(ctx, "confirm_purchase", func(sctx context.Context) settlement.Result {
		return c.settle.ConfirmPurchase(sctx, settlement.ConfirmPurchaseRequest{
			BuyerAddress:   buyer.Wallet,
			SellerAddress:  seller.Wallet,
			Units:          req.Units,
			IdempotencyKey: idemKey,
		})
	})

	log := c.logger.With().Str("offer_id", o.ID).Str("account_id", buyer.ID).Logger()
	bctx := context.WithoutCancel(ctx)

	switch res.Outcome {
	case settlement.Succeeded:
		filled, ferr := c.applyFill(bctx, o.ID, buyer.ID, req.Units, "")
		if ferr == nil {
			log.Info().Str("tx", res.TxReference).Int64("units", req.Units).Str("status", string(filled.Status)).Msg("offer accepted")
			c.publishFill(ctx, filled, buyer.ID)
			return filled.Clone(), nil
		}
		// Chain settled but the ledger could not mirror it. Park the offer
		// so reconciliation re-applies the fill.
		log.Error().Err(ferr).Str("tx", res.TxReference).Msg("settled fill not mirrored; holding offer")
		intent := c.newIntent(store.IntentAccept, o, buyer.ID, req.Units, value, idemKey, res)
		intent.Reason = ferr.Error()
		held, herr := c.holdOffer(bctx, o.ID, intent)
		if herr != nil {
			log.Error().Err(herr).Str("tx", res.TxReference).Msg("could not hold offer after settled fill; manual reconciliation required")
			return nil, newError(KindInternal, "settled fill not mirrored", errors.Join(ferr, herr))
		}
		c.publish(ctx, notify.EventOfferHeld, held, notify.Audience{Segment: held.GridSegment, AccountIDs: []string{held.CreatorID, buyer.ID}})
		return held.Clone(), &Error{Kind: KindInternal, Detail: "fill settled on chain, ledger update deferred", OfferID: o.ID, Err: ferr}

	case settlement.Indeterminate:
		intent := c.newIntent(store.IntentAccept, o, buyer.ID, req.Units, value, idemKey, res)
		held, herr := c.holdOffer(bctx, o.ID, intent)
		if herr != nil {
			log.Error().Err(herr).Str("tx", res.BroadcastHash).Msg("could not hold offer after indeterminate settlement")
			return nil, newError(KindInternal, "hold offer", herr)
		}
		log.Warn().Err(res.Err).Str("tx", res.BroadcastHash).Msg("offer acceptance held pending reconciliation")
		c.publish(ctx, notify.EventOfferHeld, held, notify.Audience{Segment: held.GridSegment, AccountIDs: []string{held.CreatorID, buyer.ID}})
		return held.Clone(), &Error{Kind: KindSettlementIndeterminate, Detail: "purchase confirmation outcome unknown", OfferID: o.ID, Err: res.Err}

	default:
		log.Warn().Err(res.Err).Msg("purchase settlement failed")
		return nil, newError(KindSettlementFailed, "confirm purchase", res.Err)
	}
}

// applyFill mirrors a settled purchase: energy leaves the seller's
// reservation for the buyer, tokens move the other way, the offer shrinks.
// With intentID set the offer must be held on that intent; it is released
// and the intent deleted in the same transaction.
func (c *Coordinator) applyFill(ctx context.Context, offerID, buyerID string, units int64, intentID string) (*offer.Offer, error) {
	var filled *offer.Offer
	err := c.withTx(ctx, func(tx store.Tx) error {
		o, err := tx.OfferForUpdate(ctx, offerID)
		if err != nil {
			return classify("offer "+offerID, err)
		}
		if intentID != "" {
			if o.PendingIntent != intentID {
				return newError(KindInvalidState, "offer no longer held on intent "+intentID, nil)
			}
			if err := o.Unhold(); err != nil {
				return classify("unhold", err)
			}
			if err := tx.DeleteIntent(ctx, intentID); err != nil {
				return newError(KindInternal, "delete intent", err)
			}
		}

		accounts, err := lockAccounts(ctx, tx, o.CreatorID, buyerID)
		if err != nil {
			return err
		}
		seller, buyer := accounts[o.CreatorID], accounts[buyerID]

		value, err := fillValue(o, units)
		if err != nil {
			return newError(KindInternal, "fill value", err)
		}
		now := c.cfg.Now()
		if err := o.Fill(units, now); err != nil {
			return classify("fill", err)
		}
		posting := ledger.NewPosting(o.ID, now, seller, buyer)
		if err := posting.TransferEnergy(seller.ID, buyer.ID, units); err != nil {
			return classify("transfer energy", err)
		}
		if err := posting.TransferTokens(buyer.ID, seller.ID, value); err != nil {
			return classify("transfer tokens", err)
		}
		batch, err := posting.Finish()
		if err != nil {
			return newError(KindInternal, "ledger invariant", err)
		}
		seller.UpdatedAt, buyer.UpdatedAt = now, now

		if err := putAll(ctx, tx, []*ledger.Account{seller, buyer}, o, nil, batch); err != nil {
			return err
		}
		filled = o
		return nil
	})
	return filled, err
}

// pendingSpend sums the token value of the buyer's purchases still held on
// an unresolved intent. Reconciliation may yet debit them.
func (c *Coordinator) pendingSpend(ctx context.Context, buyerID string) (int64, error) {
	held, err := c.store.ListHeldOffers(ctx)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, o := range held {
		if o.PendingIntent == "" {
			continue
		}
		intent, err := c.store.GetIntent(ctx, o.PendingIntent)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if intent.Kind == store.IntentAccept && intent.BuyerID == buyerID {
			sum += intent.Value
		}
	}
	return sum, nil
}

// holdSettledCreate reserves the creator's energy again in a fresh
// transaction and stores the offer held on intent.
func (c *Coordinator) holdSettledCreate(ctx context.Context, o *offer.Offer, intent *store.Intent) error {
	return c.withTx(ctx, func(tx store.Tx) error {
		creator, err := tx.AccountForUpdate(ctx, o.CreatorID)
		if err != nil {
			return err
		}
		now := c.cfg.Now()
		posting := ledger.NewPosting(o.ID, now, creator)
		if err := posting.Reserve(creator.ID, o.Units); err != nil {
			return err
		}
		batch, err := posting.Finish()
		if err != nil {
			return err
		}
		held := o.Clone()
		if err := held.Hold(intent.ID); err != nil {
			return err
		}
		creator.UpdatedAt = now
		return putAll(ctx, tx, []*ledger.Account{creator}, held, intent, batch)
	})
}

// holdOffer parks an open offer on intent.
func (c *Coordinator) holdOffer(ctx context.Context, offerID string, intent *store.Intent) (*offer.Offer, error) {
	var held *offer.Offer
	err := c.withTx(ctx, func(tx store.Tx) error {
		o, err := tx.OfferForUpdate(ctx, offerID)
		if err != nil {
			return err
		}
		if err := o.Hold(intent.ID); err != nil {
			return err
		}
		if err := tx.PutIntent(ctx, intent); err != nil {
			return err
		}
		if err := tx.PutOffer(ctx, o); err != nil {
			return err
		}
		held = o
		return nil
	})
	return held, err
}

// ============================================================================
// Queries & registration
// ============================================================================

// GetAllOffers returns every offer ordered by creation time, then id.
func (c *Coordinator) GetAllOffers(ctx context.Context) ([]*offer.Offer, error) {
	offers, err := c.store.ListOffers(ctx)
	if err != nil {
		return nil, newError(KindInternal, "list offers", err)
	}
	return offers, nil
}

func (c *Coordinator) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	if id == "" {
		return nil, newError(KindValidation, "account id required", nil)
	}
	acct, err := c.store.GetAccount(ctx, id)
	if err != nil {
		return nil, classify("account "+id, err)
	}
	return acct, nil
}

// RegisterAccount creates an account with its opening balances.
func (c *Coordinator) RegisterAccount(ctx context.Context, acct *ledger.Account) error {
	if acct == nil || acct.ID == "" {
		return newError(KindValidation, "account id required", nil)
	}
	if acct.Wallet == "" {
		return newError(KindValidation, "wallet address required", nil)
	}
	if err := ledger.NewInvariantValidator().ValidateAccount(acct); err != nil {
		return newError(KindValidation, "opening balances", err)
	}
	now := c.cfg.Now()
	a := acct.Clone()
	a.CreatedAt, a.UpdatedAt, a.Version = now, now, 0

	if err := c.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return newError(KindInvalidState, "account "+acct.ID+" already registered", err)
		}
		return newError(KindInternal, "create account", err)
	}
	c.logger.Info().Str("account_id", a.ID).Str("segment", a.GridSegment).Msg("account registered")
	return nil
}

// ChainTokenBalance reads the account's fee-token balance from chain, in
// token minor units.
func (c *Coordinator) ChainTokenBalance(ctx context.Context, accountID string) (int64, error) {
	acct, err := c.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	raw, err := c.settle.TokenBalance(ctx, acct.Wallet)
	if err != nil {
		if errors.Is(err, settlement.ErrInvalidAddress) {
			return 0, newError(KindValidation, "wallet address", err)
		}
		return 0, newError(KindSettlementFailed, "token balance", err)
	}
	bal, err := fpmath.FromChainUnits(raw, fpmath.TokenConfig, c.cfg.TokenDecimals)
	if err != nil {
		return 0, newError(KindInternal, "convert token balance", err)
	}
	return bal, nil
}

// ============================================================================
// Helpers
// ============================================================================

// withTx runs fn in a transaction, retrying the whole unit on store conflicts.
func (c *Coordinator) withTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.CommitRetries; attempt++ {
		tx, err := c.store.BeginTx(ctx)
		if err != nil {
			return newError(KindInternal, "begin transaction", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if errors.Is(err, store.ErrConflict) {
				c.metrics.StoreConflicts.Inc()
				lastErr = err
				continue
			}
			return classify("transaction", err)
		}
		if err := tx.Commit(); err != nil {
			if errors.Is(err, store.ErrConflict) {
				c.metrics.StoreConflicts.Inc()
				lastErr = err
				continue
			}
			return newError(KindInternal, "commit", err)
		}
		return nil
	}
	return newError(KindInternal, "transaction conflict persisted", lastErr)
}

// checkChainUnits rejects energy quantities the contract cannot represent.
func (c *Coordinator) checkChainUnits(units int64) error {
	if _, err := fpmath.ToChainUnits(units, fpmath.EnergyConfig, c.cfg.EnergyDecimals); err != nil {
		return newError(KindValidation,
			fmt.Sprintf("units must be a multiple of 10^-%d kWh", c.cfg.EnergyDecimals), err)
	}
	return nil
}

// fillValue prices the next units of o as the difference of cumulative
// values, so the fills of an offer always sum to its TotalValue.
func fillValue(o *offer.Offer, units int64) (int64, error) {
	filled := o.Units - o.RemainingUnits
	before, err := fpmath.ComputeTotalValue(filled, o.PricePerUnit)
	if err != nil {
		return 0, err
	}
	after, err := fpmath.ComputeTotalValue(filled+units, o.PricePerUnit)
	if err != nil {
		return 0, err
	}
	return after - before, nil
}

// lockAccounts loads ids for update in sorted order, the global account
// lock order.
func lockAccounts(ctx context.Context, tx store.Tx, ids ...string) (map[string]*ledger.Account, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make(map[string]*ledger.Account, len(sorted))
	for _, id := range sorted {
		if _, ok := out[id]; ok {
			continue
		}
		a, err := tx.AccountForUpdate(ctx, id)
		if err != nil {
			return nil, classify("account "+id, err)
		}
		out[id] = a
	}
	return out, nil
}

func putAll(ctx context.Context, tx store.Tx, accounts []*ledger.Account, o *offer.Offer, intent *store.Intent, batch *ledger.Batch) error {
	for _, a := range accounts {
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}
	}
	if batch != nil {
		if err := tx.AppendJournal(ctx, batch); err != nil {
			return err
		}
	}
	if intent != nil {
		if err := tx.PutIntent(ctx, intent); err != nil {
			return err
		}
	}
	if o != nil {
		return tx.PutOffer(ctx, o)
	}
	return nil
}

func (c *Coordinator) newIntent(kind store.IntentKind, o *offer.Offer, buyerID string, units, value int64, idemKey string, res settlement.Result) *store.Intent {
	reason := ""
	if res.Err != nil {
		reason = res.Err.Error()
	}
	return &store.Intent{
		ID:             uuid.NewString(),
		Kind:           kind,
		OfferID:        o.ID,
		BuyerID:        buyerID,
		Units:          units,
		Value:          value,
		IdempotencyKey: idemKey,
		TxHash:         res.BroadcastHash,
		Reason:         reason,
		CreatedAt:      c.cfg.Now(),
	}
}

func (c *Coordinator) callSettlement(ctx context.Context, method string, call func(context.Context) settlement.Result) settlement.Result {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SettlementTimeout)
	defer cancel()

	start := time.Now()
	res := call(sctx)
	c.metrics.SettlementDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	c.metrics.SettlementCalls.WithLabelValues(method, res.Outcome.String()).Inc()
	return res
}

func (c *Coordinator) observe(op string, start time.Time, errp *error) {
	result := "ok"
	if *errp != nil {
		result = string(KindOf(*errp))
	}
	c.metrics.OfferOperations.WithLabelValues(op, result).Inc()
	c.metrics.OfferDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (c *Coordinator) publishFill(ctx context.Context, o *offer.Offer, buyerID string) {
	name := notify.EventOfferPartiallyFilled
	if o.Status == offer.StatusCompleted {
		name = notify.EventOfferCompleted
	}
	c.publish(ctx, name, o, notify.Audience{Segment: o.GridSegment, AccountIDs: []string{o.CreatorID, buyerID}})
}

// segmentAudience resolves every account sharing segment. A lookup failure
// degrades to a segment-only audience.
func (c *Coordinator) segmentAudience(ctx context.Context, segment string) notify.Audience {
	aud := notify.Audience{Segment: segment}
	accounts, err := c.store.ListAccountsBySegment(ctx, segment)
	if err != nil {
		c.logger.Warn().Err(err).Str("segment", segment).Msg("resolve segment audience")
		return aud
	}
	for _, a := range accounts {
		aud.AccountIDs = append(aud.AccountIDs, a.ID)
	}
	return aud
}

// publish is fire-and-forget; failures are logged and counted only.
func (c *Coordinator) publish(ctx context.Context, name string, o *offer.Offer, aud notify.Audience) {
	evt := notify.Event{
		Name:      name,
		OfferID:   o.ID,
		Audience:  aud,
		Payload:   o.Clone(),
		Timestamp: c.cfg.Now(),
	}
	c.metrics.EventsPublished.WithLabelValues(name).Inc()
	if err := c.notifier.Publish(context.WithoutCancel(ctx), evt); err != nil {
		c.metrics.PublishErrors.Inc()
		c.logger.Warn().Err(err).Str("event", name).Str("offer_id", o.ID).Msg("publish failed")
	}
}
