package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource reports the next nonce the node would accept for a sender.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager serializes transaction submission per sender address. The
// sender lock is held from nonce read through broadcast, so two calls from
// the same wallet never race on the same nonce.
type NonceManager struct {
	mu       sync.Mutex
	senders  map[common.Address]*senderState
	failFast bool
}

type senderState struct {
	lock  chan struct{}
	next  uint64
	known bool
}

// NewNonceManager creates a manager. With failFast set, a call that finds
// the sender busy gets ErrNonceConflict instead of queueing.
func NewNonceManager(failFast bool) *NonceManager {
	return &NonceManager{
		senders:  make(map[common.Address]*senderState),
		failFast: failFast,
	}
}

func (m *NonceManager) state(addr common.Address) *senderState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[addr]
	if !ok {
		s = &senderState{lock: make(chan struct{}, 1)}
		m.senders[addr] = s
	}
	return s
}

// Acquire takes the sender lock. The returned lease must be released.
func (m *NonceManager) Acquire(ctx context.Context, addr common.Address) (*NonceLease, error) {
	s := m.state(addr)
	if m.failFast {
		select {
		case s.lock <- struct{}{}:
			return &NonceLease{state: s}, nil
		default:
			return nil, fmt.Errorf("%w: sender %s busy", ErrNonceConflict, addr.Hex())
		}
	}
	select {
	case s.lock <- struct{}{}:
		return &NonceLease{state: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NonceLease is exclusive access to one sender's nonce sequence.
type NonceLease struct {
	state    *senderState
	released bool
}

// Next returns max(pending nonce, last used + 1).
func (l *NonceLease) Next(ctx context.Context, src NonceSource, addr common.Address) (uint64, error) {
	pending, err := src.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	if l.state.known && l.state.next > pending {
		return l.state.next, nil
	}
	return pending, nil
}

// Commit records that nonce was broadcast.
func (l *NonceLease) Commit(nonce uint64) {
	l.state.next = nonce + 1
	l.state.known = true
}

// Reset forgets the locally tracked nonce; the next call trusts the node.
func (l *NonceLease) Reset() {
	l.state.known = false
	l.state.next = 0
}

func (l *NonceLease) Release() {
	if l.released {
		return
	}
	l.released = true
	<-l.state.lock
}
