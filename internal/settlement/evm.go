package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	fpmath "EnergyLedger/internal/math"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChainClient is the subset of the Ethereum RPC used by the adapter.
type ChainClient interface {
	NonceSource
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialChainClient opens an RPC connection to endpoint.
func DialChainClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("settlement rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMConfig configures the EVM adapter
type EVMConfig struct {
	ContractAddress common.Address
	TokenAddress    common.Address // fee token (ERC-20); zero disables TokenBalance
	ChainID         *big.Int       // nil: ask the node once
	GasLimit        uint64
	EnergyDecimals  int // decimals the contract uses for energy units
	TokenDecimals   int // decimals of the fee token
	PollInterval    time.Duration
	Timeout         time.Duration // applied when the caller's ctx has no deadline
	RPS             float64       // submission throttle, <= 0 disables
	FailFastNonce   bool
	CacheSize       int
}

func DefaultEVMConfig() EVMConfig {
	return EVMConfig{
		GasLimit:       300_000,
		EnergyDecimals: 0,
		TokenDecimals:  18,
		PollInterval:   time.Second,
		Timeout:        30 * time.Second,
		RPS:            10,
		CacheSize:      10_000,
	}
}

// EVMAdapter settles offers against an EVM contract.
type EVMAdapter struct {
	client  ChainClient
	signers *SignerRegistry
	nonces  *NonceManager
	codec   *contractCodec
	results *ResultCache
	limiter *rate.Limiter
	cfg     EVMConfig
	logger  zerolog.Logger

	chainMu sync.Mutex
	chainID *big.Int
}

func NewEVMAdapter(client ChainClient, signers *SignerRegistry, cfg EVMConfig, logger zerolog.Logger) (*EVMAdapter, error) {
	if client == nil {
		return nil, errors.New("chain client required")
	}
	if signers == nil {
		return nil, errors.New("signer registry required")
	}
	if (cfg.ContractAddress == common.Address{}) {
		return nil, errors.New("contract address required")
	}
	codec, err := newContractCodec()
	if err != nil {
		return nil, err
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 300_000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &EVMAdapter{
		client:  client,
		signers: signers,
		nonces:  NewNonceManager(cfg.FailFastNonce),
		codec:   codec,
		results: NewResultCache(cfg.CacheSize),
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		chainID: cfg.ChainID,
		logger:  logger,
	}, nil
}

func (a *EVMAdapter) CreateSellOffer(ctx context.Context, req CreateSellOfferRequest) Result {
	return a.submit(ctx, methodCreateSellerOffer, req.SellerAddress, req.IdempotencyKey, func() ([]byte, error) {
		units, err := fpmath.ToChainUnits(req.Units, fpmath.EnergyConfig, a.cfg.EnergyDecimals)
		if err != nil {
			return nil, fmt.Errorf("%w: units: %v", ErrEncoding, err)
		}
		price, err := fpmath.ToChainUnits(req.PricePerUnit, fpmath.PriceConfig, a.cfg.TokenDecimals)
		if err != nil {
			return nil, fmt.Errorf("%w: price: %v", ErrEncoding, err)
		}
		return a.codec.createSellerOffer(units, price)
	})
}

func (a *EVMAdapter) ConfirmPurchase(ctx context.Context, req ConfirmPurchaseRequest) Result {
	return a.submit(ctx, methodBuyerConfirm, req.BuyerAddress, req.IdempotencyKey, func() ([]byte, error) {
		if !common.IsHexAddress(req.SellerAddress) {
			return nil, fmt.Errorf("%w: seller %q", ErrInvalidAddress, req.SellerAddress)
		}
		units, err := fpmath.ToChainUnits(req.Units, fpmath.EnergyConfig, a.cfg.EnergyDecimals)
		if err != nil {
			return nil, fmt.Errorf("%w: units: %v", ErrEncoding, err)
		}
		return a.codec.buyerConfirm(common.HexToAddress(req.SellerAddress), units)
	})
}

// submit runs one contract call end to end. Errors before broadcast are
// Failed; anything unresolved after broadcast is Indeterminate.
func (a *EVMAdapter) submit(ctx context.Context, method, sender, idemKey string, encode func() ([]byte, error)) (res Result) {
	var broadcast string

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Str("method", method).Interface("panic", r).Msg("settlement call panicked")
			if broadcast != "" {
				res = indeterminate(broadcast, fmt.Errorf("panic: %v", r))
			} else {
				res = failed(fmt.Errorf("settlement panic: %v", r))
			}
		}
		if res.Outcome != Failed || res.BroadcastHash != "" {
			a.results.Put(idemKey, res)
		}
	}()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	if cached, ok := a.results.Get(idemKey); ok {
		if cached.Outcome != Indeterminate {
			return cached
		}
		// Same attempt already broadcast: keep waiting on that transaction.
		broadcast = cached.BroadcastHash
		return a.await(ctx, method, common.HexToHash(broadcast))
	}

	from, key, err := a.signers.Lookup(sender)
	if err != nil {
		return failed(err)
	}
	data, err := encode()
	if err != nil {
		return failed(err)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return failed(fmt.Errorf("%w: throttled: %v", ErrSubmission, err))
	}
	chainID, err := a.resolveChainID(ctx)
	if err != nil {
		return failed(fmt.Errorf("%w: chain id: %v", ErrSubmission, err))
	}

	lease, err := a.nonces.Acquire(ctx, from)
	if err != nil {
		return failed(err)
	}
	defer lease.Release()

	nonce, err := lease.Next(ctx, a.client, from)
	if err != nil {
		return failed(fmt.Errorf("%w: %v", ErrSubmission, err))
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return failed(fmt.Errorf("%w: gas price: %v", ErrSubmission, err))
	}

	contract := a.cfg.ContractAddress
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Gas:      a.cfg.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return failed(fmt.Errorf("%w: sign: %v", ErrSubmission, err))
	}
	hash := signed.Hash()

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		switch classifySendError(err) {
		case sendRejected:
			return failed(fmt.Errorf("%w: %v", ErrSubmission, err))
		case sendNonceConflict:
			lease.Reset()
			return failed(fmt.Errorf("%w: %v", ErrNonceConflict, err))
		case sendAlreadyKnown:
			// The node already holds this exact transaction.
		default:
			broadcast = hash.Hex()
			lease.Commit(nonce)
			lease.Release()
			a.logger.Warn().Err(err).Str("method", method).Str("tx", broadcast).Msg("send outcome unknown")
			return indeterminate(broadcast, err)
		}
	}
	broadcast = hash.Hex()
	lease.Commit(nonce)
	lease.Release()

	a.results.Put(idemKey, indeterminate(broadcast, errors.New("awaiting receipt")))
	a.logger.Debug().Str("method", method).Str("tx", broadcast).Uint64("nonce", nonce).Msg("transaction broadcast")

	return a.await(ctx, method, hash)
}

func (a *EVMAdapter) await(ctx context.Context, method string, hash common.Hash) Result {
	receipt, err := a.waitReceipt(ctx, hash)
	if err != nil {
		a.logger.Warn().Err(err).Str("method", method).Str("tx", hash.Hex()).Msg("receipt not observed")
		return indeterminate(hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return failedAfterBroadcast(hash.Hex(), fmt.Errorf("%w: %s", ErrReverted, hash.Hex()))
	}
	return succeeded(hash.Hex())
}

func (a *EVMAdapter) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			a.logger.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt poll failed")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *EVMAdapter) resolveChainID(ctx context.Context) (*big.Int, error) {
	a.chainMu.Lock()
	defer a.chainMu.Unlock()
	if a.chainID != nil && a.chainID.Sign() > 0 {
		return a.chainID, nil
	}
	id, err := a.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	a.chainID = id
	return id, nil
}

// LookupTransaction reports what the chain knows about a broadcast hash.
func (a *EVMAdapter) LookupTransaction(ctx context.Context, txHash string) (LookupStatus, error) {
	raw, err := hexutil.Decode(txHash)
	if err != nil || len(raw) != common.HashLength {
		return LookupUnknown, fmt.Errorf("invalid tx hash %q", txHash)
	}
	receipt, err := a.client.TransactionReceipt(ctx, common.BytesToHash(raw))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return LookupUnknown, nil
		}
		return LookupUnknown, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return LookupUnknown, nil
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return LookupSucceeded, nil
	}
	return LookupReverted, nil
}

// TokenBalance reads the fee-token balance of address from the token contract.
func (a *EVMAdapter) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if (a.cfg.TokenAddress == common.Address{}) {
		return nil, errors.New("fee token address not configured")
	}
	data, err := a.codec.balanceOf(common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	token := a.cfg.TokenAddress
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	return a.codec.decodeBalance(out)
}

type sendClass int

const (
	sendUnknown sendClass = iota
	sendRejected
	sendNonceConflict
	sendAlreadyKnown
)

// classifySendError separates node rejections (nothing broadcast) from
// transport failures where the node may have accepted the transaction.
func classifySendError(err error) sendClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"):
		return sendAlreadyKnown
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "replacement transaction underpriced"):
		return sendNonceConflict
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return sendRejected
	}
	return sendUnknown
}
