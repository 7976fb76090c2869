package settlement

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	methodCreateSellerOffer = "createSellerOffer"
	methodBuyerConfirm      = "buyerConfirm"
	methodBalanceOf         = "balanceOf"
)

// marketABI is the subset of the settlement contract this service calls.
const marketABI = `[
  {"type":"function","name":"createSellerOffer","stateMutability":"nonpayable",
   "inputs":[{"name":"units","type":"uint256"},{"name":"price","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"buyerConfirm","stateMutability":"nonpayable",
   "inputs":[{"name":"seller","type":"address"},{"name":"units","type":"uint256"}],"outputs":[]}
]`

const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// contractCodec encodes calldata for the market contract and the fee token.
type contractCodec struct {
	market abi.ABI
	token  abi.ABI
}

func newContractCodec() (*contractCodec, error) {
	market, err := abi.JSON(strings.NewReader(marketABI))
	if err != nil {
		return nil, fmt.Errorf("parse market abi: %w", err)
	}
	token, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	return &contractCodec{market: market, token: token}, nil
}

func (c *contractCodec) createSellerOffer(units, price *big.Int) ([]byte, error) {
	data, err := c.market.Pack(methodCreateSellerOffer, units, price)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncoding, methodCreateSellerOffer, err)
	}
	return data, nil
}

func (c *contractCodec) buyerConfirm(seller common.Address, units *big.Int) ([]byte, error) {
	data, err := c.market.Pack(methodBuyerConfirm, seller, units)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncoding, methodBuyerConfirm, err)
	}
	return data, nil
}

func (c *contractCodec) balanceOf(owner common.Address) ([]byte, error) {
	data, err := c.token.Pack(methodBalanceOf, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncoding, methodBalanceOf, err)
	}
	return data, nil
}

func (c *contractCodec) decodeBalance(out []byte) (*big.Int, error) {
	values, err := c.token.Unpack(methodBalanceOf, out)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("decode balanceOf: got %d values", len(values))
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf: unexpected type %T", values[0])
	}
	return bal, nil
}
