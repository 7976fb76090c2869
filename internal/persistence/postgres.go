package persistence

import (
	"EnergyLedger/internal/ledger"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/offer"
	"EnergyLedger/internal/store"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres SQLSTATE codes the store translates.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

const accountColumns = `account_id, wallet_address, grid_segment, energy_available,
	energy_reserved, token_balance, version, created_at, updated_at`

const offerColumns = `offer_id, creator_id, grid_segment, units, remaining_units,
	price_per_unit, total_value, status, settlement_tx, pending_intent, version,
	created_at, completed_at`

const intentColumns = `intent_id, kind, offer_id, buyer_id, units, value,
	idempotency_key, tx_hash, reason, created_at`

// PostgresStore implements store.Store on the energy schema. Row locks come
// from SELECT ... FOR UPDATE; writes are staged in the transaction and
// flushed on Commit so each entity's version advances once per commit.
type PostgresStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewPostgresStore(db *sql.DB, metrics *observability.Metrics) *PostgresStore {
	return &PostgresStore{db: db, metrics: metrics}
}

// Ping is a readiness check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected:
			if s.metrics != nil {
				s.metrics.StoreConflicts.Inc()
			}
			return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrAlreadyExists, pqErr.Constraint)
		}
	}
	return err
}

// BeginTx opens a transaction that survives cancellation of ctx. Settlement
// bookkeeping must be able to commit after the caller has gone away; each
// statement still honors the context it is issued with.
func (s *PostgresStore) BeginTx(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return &pgTx{
		s:        s,
		tx:       tx,
		ctx:      context.WithoutCancel(ctx),
		accounts: make(map[string]*ledger.Account),
		offers:   make(map[string]*offer.Offer),
		intents:  make(map[string]*store.Intent),
		deleted:  make(map[string]bool),
	}, nil
}

// ============================================================================
// Committed reads
// ============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var a ledger.Account
	err := row.Scan(&a.ID, &a.Wallet, &a.GridSegment, &a.EnergyAvailable,
		&a.EnergyReserved, &a.TokenBalance, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanOffer(row rowScanner) (*offer.Offer, error) {
	var (
		o         offer.Offer
		status    string
		completed sql.NullTime
	)
	err := row.Scan(&o.ID, &o.CreatorID, &o.GridSegment, &o.Units, &o.RemainingUnits,
		&o.PricePerUnit, &o.TotalValue, &status, &o.SettlementTx, &o.PendingIntent,
		&o.Version, &o.CreatedAt, &completed)
	if err != nil {
		return nil, err
	}
	o.Status = offer.Status(status)
	if completed.Valid {
		t := completed.Time
		o.CompletedAt = &t
	}
	return &o, nil
}

func scanIntent(row rowScanner) (*store.Intent, error) {
	var (
		in   store.Intent
		kind string
	)
	err := row.Scan(&in.ID, &kind, &in.OfferID, &in.BuyerID, &in.Units, &in.Value,
		&in.IdempotencyKey, &in.TxHash, &in.Reason, &in.CreatedAt)
	if err != nil {
		return nil, err
	}
	in.Kind = store.IntentKind(kind)
	return &in, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM energy.accounts WHERE account_id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", id, s.mapErr(err))
	}
	return a, nil
}

func (s *PostgresStore) ListAccountsBySegment(ctx context.Context, segment string) ([]*ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM energy.accounts WHERE grid_segment = $1 ORDER BY account_id`, segment)
	if err != nil {
		return nil, s.mapErr(err)
	}
	defer rows.Close()

	var out []*ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *ledger.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO energy.accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		acct.ID, acct.Wallet, acct.GridSegment, acct.EnergyAvailable,
		acct.EnergyReserved, acct.TokenBalance, acct.Version, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("account %s: %w", acct.ID, s.mapErr(err))
	}
	return nil
}

func (s *PostgresStore) GetOffer(ctx context.Context, id string) (*offer.Offer, error) {
	o, err := scanOffer(s.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM energy.offers WHERE offer_id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("offer %s: %w", id, s.mapErr(err))
	}
	return o, nil
}

func (s *PostgresStore) ListOffers(ctx context.Context) ([]*offer.Offer, error) {
	return s.listOffers(ctx, `SELECT `+offerColumns+` FROM energy.offers ORDER BY created_at, offer_id`)
}

func (s *PostgresStore) ListHeldOffers(ctx context.Context) ([]*offer.Offer, error) {
	return s.listOffers(ctx, `SELECT `+offerColumns+` FROM energy.offers
		WHERE status = 'held' ORDER BY created_at, offer_id`)
}

func (s *PostgresStore) listOffers(ctx context.Context, query string) ([]*offer.Offer, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, s.mapErr(err)
	}
	defer rows.Close()

	var out []*offer.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*store.Intent, error) {
	in, err := scanIntent(s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM energy.settlement_intents WHERE intent_id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("intent %s: %w", id, s.mapErr(err))
	}
	return in, nil
}

func (s *PostgresStore) ListJournals(ctx context.Context, eventRef string) ([]*ledger.Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT journal_id, batch_id, event_ref, debit_account_id, debit_subtype,
			credit_account_id, credit_subtype, asset, amount, journal_type, timestamp
		 FROM energy.journal WHERE event_ref = $1 ORDER BY seq`, eventRef)
	if err != nil {
		return nil, s.mapErr(err)
	}
	defer rows.Close()

	var (
		out   []*ledger.Batch
		index = make(map[uuid.UUID]*ledger.Batch)
	)
	for rows.Next() {
		var (
			j                        ledger.Journal
			debitSub, creditSub, ast int16
			jt                       int32
		)
		if err := rows.Scan(&j.JournalID, &j.BatchID, &j.EventRef,
			&j.DebitAccount.AccountID, &debitSub, &j.CreditAccount.AccountID, &creditSub,
			&ast, &j.Amount, &jt, &j.Timestamp); err != nil {
			return nil, err
		}
		j.DebitAccount.SubType = ledger.AccountSubType(debitSub)
		j.CreditAccount.SubType = ledger.AccountSubType(creditSub)
		j.Asset = ledger.Asset(ast)
		j.JournalType = ledger.JournalType(jt)

		b, ok := index[j.BatchID]
		if !ok {
			b = &ledger.Batch{BatchID: j.BatchID, EventRef: j.EventRef, Timestamp: j.Timestamp}
			index[j.BatchID] = b
			out = append(out, b)
		}
		b.Journals = append(b.Journals, j)
	}
	return out, rows.Err()
}

// ============================================================================
// Transaction
// ============================================================================

type pgTx struct {
	s    *PostgresStore
	tx   *sql.Tx
	ctx  context.Context
	done bool

	accounts map[string]*ledger.Account
	offers   map[string]*offer.Offer
	intents  map[string]*store.Intent
	deleted  map[string]bool
	journals []*ledger.Batch
}

func (t *pgTx) AccountForUpdate(ctx context.Context, id string) (*ledger.Account, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	if staged, ok := t.accounts[id]; ok {
		return staged.Clone(), nil
	}
	a, err := scanAccount(t.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM energy.accounts WHERE account_id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", id, t.s.mapErr(err))
	}
	return a, nil
}

func (t *pgTx) OfferForUpdate(ctx context.Context, id string) (*offer.Offer, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	if staged, ok := t.offers[id]; ok {
		return staged.Clone(), nil
	}
	o, err := scanOffer(t.tx.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM energy.offers WHERE offer_id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("offer %s: %w", id, t.s.mapErr(err))
	}
	return o, nil
}

func (t *pgTx) IntentForUpdate(ctx context.Context, id string) (*store.Intent, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	if t.deleted[id] {
		return nil, fmt.Errorf("intent %s: %w", id, store.ErrNotFound)
	}
	if staged, ok := t.intents[id]; ok {
		c := *staged
		return &c, nil
	}
	in, err := scanIntent(t.tx.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM energy.settlement_intents WHERE intent_id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("intent %s: %w", id, t.s.mapErr(err))
	}
	return in, nil
}

func (t *pgTx) PutAccount(_ context.Context, acct *ledger.Account) error {
	if t.done {
		return store.ErrTxDone
	}
	t.accounts[acct.ID] = acct.Clone()
	return nil
}

func (t *pgTx) PutOffer(_ context.Context, o *offer.Offer) error {
	if t.done {
		return store.ErrTxDone
	}
	t.offers[o.ID] = o.Clone()
	return nil
}

func (t *pgTx) PutIntent(_ context.Context, in *store.Intent) error {
	if t.done {
		return store.ErrTxDone
	}
	c := *in
	t.intents[in.ID] = &c
	delete(t.deleted, in.ID)
	return nil
}

func (t *pgTx) DeleteIntent(_ context.Context, id string) error {
	if t.done {
		return store.ErrTxDone
	}
	delete(t.intents, id)
	t.deleted[id] = true
	return nil
}

func (t *pgTx) AppendJournal(_ context.Context, batch *ledger.Batch) error {
	if t.done {
		return store.ErrTxDone
	}
	t.journals = append(t.journals, batch)
	return nil
}

// Commit flushes staged writes in a fixed order and commits.
func (t *pgTx) Commit() error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true

	if err := t.flush(t.ctx); err != nil {
		t.tx.Rollback()
		return t.s.mapErr(err)
	}
	return t.s.mapErr(t.tx.Commit())
}

func (t *pgTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func (t *pgTx) flush(ctx context.Context) error {
	for _, id := range sortedKeys(t.accounts) {
		a := t.accounts[id]
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO energy.accounts (`+accountColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7 + 1, $8, $9)
			 ON CONFLICT (account_id) DO UPDATE SET
				wallet_address = EXCLUDED.wallet_address,
				grid_segment = EXCLUDED.grid_segment,
				energy_available = EXCLUDED.energy_available,
				energy_reserved = EXCLUDED.energy_reserved,
				token_balance = EXCLUDED.token_balance,
				version = energy.accounts.version + 1,
				updated_at = EXCLUDED.updated_at`,
			a.ID, a.Wallet, a.GridSegment, a.EnergyAvailable, a.EnergyReserved,
			a.TokenBalance, a.Version, nonZero(a.CreatedAt, a.UpdatedAt), a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("write account %s: %w", id, err)
		}
	}

	for _, id := range sortedKeys(t.offers) {
		o := t.offers[id]
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO energy.offers (`+offerColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11 + 1, $12, $13)
			 ON CONFLICT (offer_id) DO UPDATE SET
				remaining_units = EXCLUDED.remaining_units,
				status = EXCLUDED.status,
				settlement_tx = EXCLUDED.settlement_tx,
				pending_intent = EXCLUDED.pending_intent,
				version = energy.offers.version + 1,
				completed_at = EXCLUDED.completed_at`,
			o.ID, o.CreatorID, o.GridSegment, o.Units, o.RemainingUnits, o.PricePerUnit,
			o.TotalValue, string(o.Status), o.SettlementTx, o.PendingIntent, o.Version,
			o.CreatedAt, o.CompletedAt)
		if err != nil {
			return fmt.Errorf("write offer %s: %w", id, err)
		}
	}

	for _, id := range sortedKeys(t.intents) {
		in := t.intents[id]
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO energy.settlement_intents (`+intentColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (intent_id) DO UPDATE SET
				tx_hash = EXCLUDED.tx_hash,
				reason = EXCLUDED.reason`,
			in.ID, string(in.Kind), in.OfferID, in.BuyerID, in.Units, in.Value,
			in.IdempotencyKey, in.TxHash, in.Reason, in.CreatedAt)
		if err != nil {
			return fmt.Errorf("write intent %s: %w", id, err)
		}
	}

	if len(t.deleted) > 0 {
		ids := sortedKeys(t.deleted)
		if _, err := t.tx.ExecContext(ctx,
			`DELETE FROM energy.settlement_intents WHERE intent_id = ANY($1)`, pq.Array(ids)); err != nil {
			return fmt.Errorf("delete intents: %w", err)
		}
	}

	for _, b := range t.journals {
		if err := writeJournalBatch(ctx, t.tx, b); err != nil {
			return fmt.Errorf("write journal batch %s: %w", b.BatchID, err)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nonZero(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
