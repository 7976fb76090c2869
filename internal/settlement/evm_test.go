package settlement_test

import (
	"EnergyLedger/internal/settlement"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	testToken    = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	testChainID  = big.NewInt(1337)
)

// fakeChain is an in-memory stand-in for an Ethereum node.
type fakeChain struct {
	mu        sync.Mutex
	pending   map[common.Address]uint64
	sent      []*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	sendErr   error
	revert    bool
	noReceipt bool
	balance   *big.Int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		pending:  make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		balance:  big.NewInt(0),
	}
}

func (f *fakeChain) PendingNonceAt(_ context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[addr], nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return testChainID, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.noReceipt {
		return nil
	}
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || *msg.To != testToken {
		return nil, errors.New("unexpected call target")
	}
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func (f *fakeChain) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

type rpcError struct {
	msg  string
	code int
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

func newTestAdapter(t *testing.T, chain *fakeChain) (*settlement.EVMAdapter, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	signers := settlement.NewSignerRegistry()
	addr := signers.Register(key)

	cfg := settlement.DefaultEVMConfig()
	cfg.ContractAddress = testContract
	cfg.TokenAddress = testToken
	cfg.PollInterval = time.Millisecond
	cfg.RPS = 0

	a, err := settlement.NewEVMAdapter(chain, signers, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEVMAdapter: %v", err)
	}
	return a, addr
}

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

// ============================================================================
// Test: Successful submission
// ============================================================================

func TestEVMAdapter_CreateSellOfferSucceeds(t *testing.T) {
	chain := newFakeChain()
	a, seller := newTestAdapter(t, chain)

	res := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{
		SellerAddress:  seller.Hex(),
		Units:          40_000,    // 40 kWh
		PricePerUnit:   3_000_000, // 3 tokens/kWh
		IdempotencyKey: "k1",
	})
	if !res.Success || res.Outcome != settlement.Succeeded {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.TxReference == "" || res.TxReference != res.BroadcastHash {
		t.Errorf("tx reference: got %q / %q", res.TxReference, res.BroadcastHash)
	}

	sent := chain.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("expected 1 tx, got %d", len(sent))
	}
	tx := sent[0]
	if *tx.To() != testContract {
		t.Errorf("to: got %s", tx.To().Hex())
	}
	if tx.Gas() != 300_000 {
		t.Errorf("gas: got %d, want 300000", tx.Gas())
	}
	if string(tx.Data()[:4]) != string(selector("createSellerOffer(uint256,uint256)")) {
		t.Errorf("unexpected method selector %x", tx.Data()[:4])
	}
	units := new(big.Int).SetBytes(tx.Data()[4:36])
	if units.Int64() != 40 {
		t.Errorf("chain units: got %s, want 40", units)
	}

	from, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	if err != nil {
		t.Fatal(err)
	}
	if from != seller {
		t.Errorf("signed by %s, want %s", from.Hex(), seller.Hex())
	}
}

func TestEVMAdapter_ConfirmPurchaseEncodesSeller(t *testing.T) {
	chain := newFakeChain()
	a, buyer := newTestAdapter(t, chain)
	seller := common.HexToAddress("0x1111111111111111111111111111111111111111")

	res := a.ConfirmPurchase(context.Background(), settlement.ConfirmPurchaseRequest{
		BuyerAddress:   buyer.Hex(),
		SellerAddress:  seller.Hex(),
		Units:          5_000,
		IdempotencyKey: "k-accept",
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	data := chain.sentTxs()[0].Data()
	if string(data[:4]) != string(selector("buyerConfirm(address,uint256)")) {
		t.Errorf("unexpected method selector %x", data[:4])
	}
	if common.BytesToAddress(data[4:36]) != seller {
		t.Errorf("seller arg: got %x", data[4:36])
	}
}

// ============================================================================
// Test: Failures before broadcast
// ============================================================================

func TestEVMAdapter_UnknownSignerFails(t *testing.T) {
	chain := newFakeChain()
	a, _ := newTestAdapter(t, chain)

	res := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{
		SellerAddress: "0x2222222222222222222222222222222222222222",
		Units:         1_000,
		PricePerUnit:  1,
	})
	if res.Outcome != settlement.Failed || !errors.Is(res.Err, settlement.ErrUnknownSigner) {
		t.Fatalf("expected ErrUnknownSigner, got %+v", res)
	}
	if len(chain.sentTxs()) != 0 {
		t.Error("nothing should be broadcast")
	}
}

func TestEVMAdapter_InvalidAddressFails(t *testing.T) {
	a, _ := newTestAdapter(t, newFakeChain())
	res := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{SellerAddress: "not-an-address", Units: 1_000})
	if !errors.Is(res.Err, settlement.ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", res.Err)
	}
}

func TestEVMAdapter_UnrepresentableUnitsFail(t *testing.T) {
	chain := newFakeChain()
	a, seller := newTestAdapter(t, chain)

	// 1.5 kWh cannot be expressed by a contract counting whole kWh.
	res := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{
		SellerAddress: seller.Hex(),
		Units:         1_500,
		PricePerUnit:  1_000_000,
	})
	if res.Outcome != settlement.Failed || !errors.Is(res.Err, settlement.ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %+v", res)
	}
	if len(chain.sentTxs()) != 0 {
		t.Error("nothing should be broadcast")
	}
}

func TestEVMAdapter_NonceTooLowIsConflict(t *testing.T) {
	chain := newFakeChain()
	chain.sendErr = rpcError{msg: "nonce too low", code: -32000}
	a, seller := newTestAdapter(t, chain)

	res := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{SellerAddress: seller.Hex(), Units: 1_000, PricePerUnit: 1})
	if res.Outcome != settlement.Failed || !errors.Is(res.Err, settlement.ErrNonceConflict) {
		t.Fatalf("expected ErrNonceConflict, got %+v", res)
	}
	if res.BroadcastHash != "" {
		t.Error("rejected send must not report a broadcast hash")
	}
}

func TestEVMAdapter_NodeRejectionFails(t *testing.T) {
	chain := newFakeChain()
	chain.sendErr = rpcError{msg: "insufficient funds for gas", code: -32000}
	a, seller := newTestAdapter(t, chain)

	res := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{SellerAddress: seller.Hex(), Units: 1_000, PricePerUnit: 1})
	if res.Outcome != settlement.Failed || !errors.Is(res.Err, settlement.ErrSubmission) {
		t.Fatalf("expected ErrSubmission, got %+v", res)
	}
}

// ============================================================================
// Test: Outcomes after broadcast
// ============================================================================

func TestEVMAdapter_RevertedIsFailedWithHash(t *testing.T) {
	chain := newFakeChain()
	chain.revert = true
	a, seller := newTestAdapter(t, chain)

	res := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{SellerAddress: seller.Hex(), Units: 1_000, PricePerUnit: 1})
	if res.Outcome != settlement.Failed || !errors.Is(res.Err, settlement.ErrReverted) {
		t.Fatalf("expected ErrReverted, got %+v", res)
	}
	if res.Success || res.TxReference != "" {
		t.Error("reverted call must not carry a tx reference")
	}
	if res.BroadcastHash == "" {
		t.Error("reverted call should report its broadcast hash")
	}
}

func TestEVMAdapter_TimeoutIsIndeterminate(t *testing.T) {
	chain := newFakeChain()
	chain.noReceipt = true
	a, seller := newTestAdapter(t, chain)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res := a.CreateSellOffer(ctx, settlement.CreateSellOfferRequest{SellerAddress: seller.Hex(), Units: 1_000, PricePerUnit: 1})
	if res.Outcome != settlement.Indeterminate || !errors.Is(res.Err, settlement.ErrIndeterminate) {
		t.Fatalf("expected indeterminate, got %+v", res)
	}
	if res.Success || res.BroadcastHash == "" {
		t.Errorf("indeterminate result: %+v", res)
	}
}

func TestEVMAdapter_TransportErrorAfterSendIsIndeterminate(t *testing.T) {
	chain := newFakeChain()
	chain.sendErr = errors.New("connection reset by peer")
	a, seller := newTestAdapter(t, chain)

	res := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{SellerAddress: seller.Hex(), Units: 1_000, PricePerUnit: 1})
	if res.Outcome != settlement.Indeterminate {
		t.Fatalf("expected indeterminate, got %+v", res)
	}
}

// ============================================================================
// Test: Idempotency & nonce serialization
// ============================================================================

func TestEVMAdapter_IdempotentRetry(t *testing.T) {
	chain := newFakeChain()
	a, seller := newTestAdapter(t, chain)
	req := settlement.CreateSellOfferRequest{SellerAddress: seller.Hex(), Units: 2_000, PricePerUnit: 1, IdempotencyKey: "same"}

	first := a.CreateSellOffer(context.Background(), req)
	second := a.CreateSellOffer(context.Background(), req)

	if len(chain.sentTxs()) != 1 {
		t.Fatalf("retry re-submitted: %d txs", len(chain.sentTxs()))
	}
	if first.TxReference != second.TxReference {
		t.Errorf("got %q, want %q", second.TxReference, first.TxReference)
	}
}

func TestEVMAdapter_SequentialNoncesWithLaggingNode(t *testing.T) {
	chain := newFakeChain() // pending nonce never advances
	a, seller := newTestAdapter(t, chain)

	for i := 0; i < 3; i++ {
		res := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{
			SellerAddress:  seller.Hex(),
			Units:          1_000,
			PricePerUnit:   1,
			IdempotencyKey: fmt.Sprintf("k%d", i),
		})
		if !res.Success {
			t.Fatalf("call %d: %+v", i, res)
		}
	}
	for i, tx := range chain.sentTxs() {
		if tx.Nonce() != uint64(i) {
			t.Errorf("tx %d nonce: got %d, want %d", i, tx.Nonce(), i)
		}
	}
}

func TestEVMAdapter_ConcurrentSameSenderGetsDistinctNonces(t *testing.T) {
	chain := newFakeChain()
	a, seller := newTestAdapter(t, chain)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			res := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{
				SellerAddress:  seller.Hex(),
				Units:          1_000,
				PricePerUnit:   1,
				IdempotencyKey: fmt.Sprintf("c%d", i),
			})
			if !res.Success {
				return fmt.Errorf("call %d: %v", i, res.Err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	var nonces []int
	for _, tx := range chain.sentTxs() {
		nonces = append(nonces, int(tx.Nonce()))
	}
	sort.Ints(nonces)
	for i, n := range nonces {
		if n != i {
			t.Fatalf("nonces not contiguous: %v", nonces)
		}
	}
}

func TestNonceManager_FailFast(t *testing.T) {
	m := settlement.NewNonceManager(true)
	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")

	lease, err := m.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(context.Background(), addr); !errors.Is(err, settlement.ErrNonceConflict) {
		t.Fatalf("expected ErrNonceConflict, got %v", err)
	}
	lease.Release()
	lease.Release() // idempotent

	second, err := m.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	second.Release()
}

// ============================================================================
// Test: Lookup & balance
// ============================================================================

func TestEVMAdapter_LookupTransaction(t *testing.T) {
	chain := newFakeChain()
	a, seller := newTestAdapter(t, chain)

	ok := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{SellerAddress: seller.Hex(), Units: 1_000, PricePerUnit: 1, IdempotencyKey: "a"})
	chain.revert = true
	bad := a.CreateSellOffer(context.Background(), settlement.CreateSellOfferRequest{SellerAddress: seller.Hex(), Units: 1_000, PricePerUnit: 1, IdempotencyKey: "b"})

	cases := []struct {
		hash string
		want settlement.LookupStatus
	}{
		{ok.TxReference, settlement.LookupSucceeded},
		{bad.BroadcastHash, settlement.LookupReverted},
		{common.Hash{0x01}.Hex(), settlement.LookupUnknown},
	}
	for _, tc := range cases {
		got, err := a.LookupTransaction(context.Background(), tc.hash)
		if err != nil {
			t.Fatalf("LookupTransaction(%s): %v", tc.hash, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.hash, got, tc.want)
		}
	}

	if _, err := a.LookupTransaction(context.Background(), "0x12"); err == nil {
		t.Error("expected error for malformed hash")
	}
}

func TestEVMAdapter_TokenBalance(t *testing.T) {
	chain := newFakeChain()
	chain.balance, _ = new(big.Int).SetString("120000000000000000000", 10)
	a, holder := newTestAdapter(t, chain)

	got, err := a.TokenBalance(context.Background(), holder.Hex())
	if err != nil {
		t.Fatalf("TokenBalance: %v", err)
	}
	if got.Cmp(chain.balance) != 0 {
		t.Errorf("got %s, want %s", got, chain.balance)
	}
	if _, err := a.TokenBalance(context.Background(), "bogus"); !errors.Is(err, settlement.ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}

// ============================================================================
// Test: Signer registry
// ============================================================================

func TestSignerRegistry_LoadHexKeys(t *testing.T) {
	key, _ := crypto.GenerateKey()
	hexKey := fmt.Sprintf("%x", crypto.FromECDSA(key))

	r := settlement.NewSignerRegistry()
	n, err := r.LoadHexKeys(" 0x" + hexKey + " ,")
	if err != nil || n != 1 {
		t.Fatalf("LoadHexKeys: n=%d err=%v", n, err)
	}

	want := crypto.PubkeyToAddress(key.PublicKey)
	addr, got, err := r.Lookup(want.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if addr != want || !sameKey(got, key) {
		t.Error("registry returned a different key")
	}

	if _, err := r.LoadHexKeys("zz"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func sameKey(a, b *ecdsa.PrivateKey) bool {
	return a.D.Cmp(b.D) == 0
}
