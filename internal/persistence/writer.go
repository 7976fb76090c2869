package persistence

import (
	"EnergyLedger/internal/ledger"
	"EnergyLedger/internal/notify"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventRow represents a row in energy.offer_events
type EventRow struct {
	EventName  string
	OfferID    string
	Segment    string
	AccountIDs []string
	Payload    []byte // JSON-encoded event payload, nil when absent
	OccurredAt time.Time
}

// NewEventRow flattens a notification into its audit row.
func NewEventRow(evt notify.Event) EventRow {
	return EventRow{
		EventName:  evt.Name,
		OfferID:    evt.OfferID,
		Segment:    evt.Audience.Segment,
		AccountIDs: evt.Audience.AccountIDs,
		Payload:    MarshalPayload(evt.Payload),
		OccurredAt: evt.Timestamp,
	}
}

// WriteEventBatch writes audit rows using a single multi-row INSERT.
func WriteEventBatch(ctx context.Context, db execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO energy.offer_events
		(event_name, offer_id, segment, account_ids, payload, occurred_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*6)

	for i, e := range events {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		accounts := e.AccountIDs
		if accounts == nil {
			accounts = []string{}
		}
		args = append(args,
			e.EventName, e.OfferID, e.Segment, pq.Array(accounts), jsonArg(e.Payload), e.OccurredAt,
		)
	}

	query += strings.Join(values, ", ")

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// writeJournalBatch writes one ledger batch to energy.journal. Rows keep
// the batch's journal order through the serial seq column.
func writeJournalBatch(ctx context.Context, db execer, b *ledger.Batch) error {
	if len(b.Journals) == 0 {
		return nil
	}

	query := `INSERT INTO energy.journal
		(journal_id, batch_id, event_ref, debit_account_id, debit_subtype,
		 credit_account_id, credit_subtype, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(b.Journals))
	args := make([]interface{}, 0, len(b.Journals)*11)

	for i, j := range b.Journals {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef,
			j.DebitAccount.AccountID, int16(j.DebitAccount.SubType),
			j.CreditAccount.AccountID, int16(j.CreditAccount.SubType),
			int16(j.Asset), j.Amount, int32(j.JournalType), j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// jsonArg passes JSON as text; lib/pq would send a []byte as bytea.
func jsonArg(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

// MarshalPayload JSON-encodes an event payload for storage. Payloads that
// cannot be encoded are stored as their error text.
func MarshalPayload(v interface{}) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return data
}
