package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Posting applies balance primitives to a fixed set of accounts loaded inside
// one store transaction and records each movement as a journal entry.
// Finish validates the batch and the conservation invariant before the
// caller persists the accounts.
type Posting struct {
	batch     *Batch
	accounts  map[string]*Account
	before    map[Asset]int64
	validator *InvariantValidator
	ts        int64
}

func NewPosting(eventRef string, now time.Time, accounts ...*Account) *Posting {
	m := make(map[string]*Account, len(accounts))
	for _, a := range accounts {
		m[a.ID] = a
	}
	v := NewInvariantValidator()
	return &Posting{
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Timestamp: now.UnixMicro(),
		},
		accounts:  m,
		before:    v.Totals(accounts),
		validator: v,
		ts:        now.UnixMicro(),
	}
}

func (p *Posting) account(id string) (*Account, error) {
	a, ok := p.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return a, nil
}

func (p *Posting) record(jt JournalType, debit, credit AccountKey, amount int64) {
	p.batch.Journals = append(p.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       p.batch.BatchID,
		EventRef:      p.batch.EventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.SubType.Asset(),
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     p.ts,
	})
}

// Reserve moves account energy from available to reserved.
func (p *Posting) Reserve(accountID string, units int64) error {
	a, err := p.account(accountID)
	if err != nil {
		return err
	}
	if err := Reserve(a, units); err != nil {
		return err
	}
	p.record(JournalTypeEnergyReserve,
		AccountKey{AccountID: a.ID, SubType: SubTypeEnergyReserved},
		AccountKey{AccountID: a.ID, SubType: SubTypeEnergyAvailable},
		units)
	return nil
}

// Release returns reserved energy to available.
func (p *Posting) Release(accountID string, units int64) error {
	a, err := p.account(accountID)
	if err != nil {
		return err
	}
	if err := Release(a, units); err != nil {
		return err
	}
	p.record(JournalTypeEnergyRelease,
		AccountKey{AccountID: a.ID, SubType: SubTypeEnergyAvailable},
		AccountKey{AccountID: a.ID, SubType: SubTypeEnergyReserved},
		units)
	return nil
}

// TransferEnergy moves energy from the seller's reservation to the buyer.
func (p *Posting) TransferEnergy(fromID, toID string, units int64) error {
	from, err := p.account(fromID)
	if err != nil {
		return err
	}
	to, err := p.account(toID)
	if err != nil {
		return err
	}
	if err := TransferEnergy(from, to, units); err != nil {
		return err
	}
	p.record(JournalTypeEnergyTransfer,
		AccountKey{AccountID: to.ID, SubType: SubTypeEnergyAvailable},
		AccountKey{AccountID: from.ID, SubType: SubTypeEnergyReserved},
		units)
	return nil
}

// TransferTokens debits the payer and credits the payee. The debit is
// checked first so a failure leaves both accounts untouched.
func (p *Posting) TransferTokens(fromID, toID string, amount int64) error {
	from, err := p.account(fromID)
	if err != nil {
		return err
	}
	to, err := p.account(toID)
	if err != nil {
		return err
	}
	if err := DebitTokens(from, amount); err != nil {
		return err
	}
	if err := CreditTokens(to, amount); err != nil {
		// undo the debit; CreditTokens only fails on overflow
		from.TokenBalance += amount
		return err
	}
	p.record(JournalTypeTokenTransfer,
		AccountKey{AccountID: to.ID, SubType: SubTypeTokens},
		AccountKey{AccountID: from.ID, SubType: SubTypeTokens},
		amount)
	return nil
}

// Finish validates the recorded batch and the ledger invariants over the
// posting's accounts, returning the batch for auditing.
func (p *Posting) Finish() (*Batch, error) {
	if err := p.batch.Validate(); err != nil {
		return nil, err
	}
	accounts := make([]*Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		if err := p.validator.ValidateAccount(a); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := p.validator.ValidateConservation(p.before, p.validator.Totals(accounts)); err != nil {
		return nil, err
	}
	return p.batch, nil
}
