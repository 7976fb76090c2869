package store

import (
	"EnergyLedger/internal/ledger"
	"EnergyLedger/internal/offer"
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store. Each account, offer and intent has its own
// lock, so transactions touching disjoint entities run in parallel while
// transactions on the same entity serialize.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*ledger.Account
	offers   map[string]*offer.Offer
	intents  map[string]*Intent
	journals []*ledger.Batch

	locksMu sync.Mutex
	locks   map[string]*entityLock
}

// entityLock is dropped from Memory.locks once no transaction holds or
// waits on it.
type entityLock struct {
	ch   chan struct{}
	refs int
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*ledger.Account),
		offers:   make(map[string]*offer.Offer),
		intents:  make(map[string]*Intent),
		locks:    make(map[string]*entityLock),
	}
}

func (m *Memory) acquireRef(key string) *entityLock {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &entityLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *Memory) releaseRef(key string, l *entityLock) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *Memory) BeginTx(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{
		m:        m,
		held:     make(map[string]*entityLock),
		accounts: make(map[string]*ledger.Account),
		offers:   make(map[string]*offer.Offer),
		intents:  make(map[string]*Intent),
		deleted:  make(map[string]bool),
	}, nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (m *Memory) ListAccountsBySegment(ctx context.Context, segment string) ([]*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ledger.Account
	for _, a := range m.accounts {
		if a.GridSegment == segment {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateAccount(ctx context.Context, acct *ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.ID]; ok {
		return fmt.Errorf("account %s: %w", acct.ID, ErrAlreadyExists)
	}
	m.accounts[acct.ID] = acct.Clone()
	return nil
}

func (m *Memory) GetOffer(ctx context.Context, id string) (*offer.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

func (m *Memory) ListOffers(ctx context.Context) ([]*offer.Offer, error) {
	return m.listOffers(func(*offer.Offer) bool { return true }), nil
}

func (m *Memory) ListHeldOffers(ctx context.Context) ([]*offer.Offer, error) {
	return m.listOffers(func(o *offer.Offer) bool { return o.Status == offer.StatusHeld }), nil
}

func (m *Memory) listOffers(keep func(*offer.Offer) bool) []*offer.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*offer.Offer, 0, len(m.offers))
	for _, o := range m.offers {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	SortOffers(out)
	return out
}

func (m *Memory) GetIntent(ctx context.Context, id string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	c := *in
	return &c, nil
}

// SortOffers orders offers by CreatedAt, then ID.
func SortOffers(offers []*offer.Offer) {
	sort.Slice(offers, func(i, j int) bool {
		if !offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].CreatedAt.Before(offers[j].CreatedAt)
		}
		return offers[i].ID < offers[j].ID
	})
}

func (m *Memory) ListJournals(ctx context.Context, eventRef string) ([]*ledger.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ledger.Batch
	for _, b := range m.journals {
		if b.EventRef == eventRef {
			out = append(out, b)
		}
	}
	return out, nil
}

// --- Transaction ---

type memoryTx struct {
	m    *Memory
	done bool
	held map[string]*entityLock

	accounts map[string]*ledger.Account
	offers   map[string]*offer.Offer
	intents  map[string]*Intent
	deleted  map[string]bool // intent ids
	journals []*ledger.Batch
}

func (t *memoryTx) lock(ctx context.Context, key string) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.held[key]; ok {
		return nil
	}
	l := t.m.acquireRef(key)
	select {
	case l.ch <- struct{}{}:
		t.held[key] = l
		return nil
	case <-ctx.Done():
		t.m.releaseRef(key, l)
		return ctx.Err()
	}
}

func (t *memoryTx) AccountForUpdate(ctx context.Context, id string) (*ledger.Account, error) {
	if err := t.lock(ctx, "account:"+id); err != nil {
		return nil, err
	}
	if a, ok := t.accounts[id]; ok {
		return a.Clone(), nil
	}
	return t.m.GetAccount(ctx, id)
}

func (t *memoryTx) OfferForUpdate(ctx context.Context, id string) (*offer.Offer, error) {
	if err := t.lock(ctx, "offer:"+id); err != nil {
		return nil, err
	}
	if o, ok := t.offers[id]; ok {
		return o.Clone(), nil
	}
	return t.m.GetOffer(ctx, id)
}

func (t *memoryTx) IntentForUpdate(ctx context.Context, id string) (*Intent, error) {
	if err := t.lock(ctx, "intent:"+id); err != nil {
		return nil, err
	}
	if t.deleted[id] {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	if in, ok := t.intents[id]; ok {
		c := *in
		return &c, nil
	}
	return t.m.GetIntent(ctx, id)
}

func (t *memoryTx) PutAccount(ctx context.Context, acct *ledger.Account) error {
	if err := t.lock(ctx, "account:"+acct.ID); err != nil {
		return err
	}
	t.accounts[acct.ID] = acct.Clone()
	return nil
}

func (t *memoryTx) PutOffer(ctx context.Context, o *offer.Offer) error {
	if err := t.lock(ctx, "offer:"+o.ID); err != nil {
		return err
	}
	t.offers[o.ID] = o.Clone()
	return nil
}

func (t *memoryTx) PutIntent(ctx context.Context, in *Intent) error {
	if err := t.lock(ctx, "intent:"+in.ID); err != nil {
		return err
	}
	c := *in
	t.intents[in.ID] = &c
	delete(t.deleted, in.ID)
	return nil
}

func (t *memoryTx) DeleteIntent(ctx context.Context, id string) error {
	if err := t.lock(ctx, "intent:"+id); err != nil {
		return err
	}
	delete(t.intents, id)
	t.deleted[id] = true
	return nil
}

func (t *memoryTx) AppendJournal(ctx context.Context, batch *ledger.Batch) error {
	if t.done {
		return ErrTxDone
	}
	t.journals = append(t.journals, batch)
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.m.mu.Lock()
	for id, a := range t.accounts {
		a.Version++
		t.m.accounts[id] = a
	}
	for id, o := range t.offers {
		o.Version++
		t.m.offers[id] = o
	}
	for id, in := range t.intents {
		t.m.intents[id] = in
	}
	for id := range t.deleted {
		delete(t.m.intents, id)
	}
	t.m.journals = append(t.m.journals, t.journals...)
	t.m.mu.Unlock()
	t.release()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.release()
	return nil
}

func (t *memoryTx) release() {
	t.done = true
	for key, l := range t.held {
		<-l.ch
		t.m.releaseRef(key, l)
		delete(t.held, key)
	}
}
