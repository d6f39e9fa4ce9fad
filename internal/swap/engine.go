// Package swap is the Tezos-side swap engine: balance and allowance reads,
// HTLC lifecycle calls and swap discovery, composed from the chain client, the
// indexer and the submitter.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"tzswap/internal/contract"
	"tzswap/internal/indexer"
	"tzswap/internal/michelson"
	"tzswap/internal/submitter"
)

// Node is the subset of the chain client the engine reads through.
type Node interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, token contract.Ref, address string) (*big.Int, error)
	TokenAllowance(ctx context.Context, token contract.Ref, spender, address string) (*big.Int, error)
	ContractStorage(ctx context.Context, address string) (michelson.Node, error)
	BigMapValue(ctx context.Context, mapID int64, exprHash string) (*michelson.Node, error)
}

// Ledger is the indexer-backed swap history.
type Ledger interface {
	ListSwaps(ctx context.Context, swap contract.Ref) ([]contract.Swap, error)
	FindRedeemedSecret(ctx context.Context, swap contract.Ref, hashedSecret common.Hash) (hexutil.Bytes, error)
}

// Submitter sends one batch under the account lock.
type Submitter interface {
	Submit(ctx context.Context, ops []submitter.Operation, confirmations int) (*indexer.OperationStatus, error)
}

type Config struct {
	Account       string
	FeeContract   contract.Ref
	PriceContract contract.Ref
	Confirmations int
	Node          Node
	Ledger        Ledger
	Submitter     Submitter
	Logger        zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine holds no swap state; every read goes back to the chain or indexer.
type Engine struct {
	account       string
	feeContract   contract.Ref
	priceContract contract.Ref
	confirmations int
	node          Node
	ledger        Ledger
	submitter     Submitter
	log           zerolog.Logger
	now           func() time.Time
}

func New(cfg Config) (*Engine, error) {
	if !michelson.ValidAddress(cfg.Account) {
		return nil, fmt.Errorf("engine account: %w: %q", michelson.ErrInvalidAddress, cfg.Account)
	}
	if cfg.Node == nil || cfg.Ledger == nil || cfg.Submitter == nil {
		return nil, errors.New("engine: node, ledger and submitter are required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		account:       cfg.Account,
		feeContract:   cfg.FeeContract,
		priceContract: cfg.PriceContract,
		confirmations: cfg.Confirmations,
		node:          cfg.Node,
		ledger:        cfg.Ledger,
		submitter:     cfg.Submitter,
		log:           cfg.Logger,
		now:           now,
	}, nil
}

func (e *Engine) Account() string { return e.account }

func (e *Engine) Balance(ctx context.Context, address string) (*big.Int, error) {
	return e.node.Balance(ctx, address)
}

func (e *Engine) TokenBalance(ctx context.Context, token contract.Ref, address string) (*big.Int, error) {
	return e.node.TokenBalance(ctx, token, address)
}

// TokenAllowance returns how much of address's tokens the swap contract may move.
func (e *Engine) TokenAllowance(ctx context.Context, token, swap contract.Ref, address string) (*big.Int, error) {
	return e.node.TokenAllowance(ctx, token, swap.Address, address)
}

// ApproveToken lets the swap contract move amount of the account's tokens. An
// existing nonzero allowance is first reset to zero in the same batch.
func (e *Engine) ApproveToken(ctx context.Context, token, swap contract.Ref, amount *big.Int) (*indexer.OperationStatus, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("approve amount must be non-negative, got %v", amount)
	}
	current, err := e.TokenAllowance(ctx, token, swap, e.account)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}

	var ops []submitter.Operation
	if current.Sign() > 0 {
		reset, err := contract.ApproveParams(swap.Address, new(big.Int))
		if err != nil {
			return nil, err
		}
		ops = append(ops, submitter.Operation{Destination: token.Address, Entrypoint: contract.EntrypointApprove, Parameters: reset})
	}
	set, err := contract.ApproveParams(swap.Address, amount)
	if err != nil {
		return nil, err
	}
	ops = append(ops, submitter.Operation{Destination: token.Address, Entrypoint: contract.EntrypointApprove, Parameters: set})

	e.log.Info().Str("token", token.Address).Str("current", current.String()).Str("amount", amount.String()).Msg("approving swap contract")
	return e.submit(ctx, ops)
}

// InitiateWait opens a native-asset swap locking amountMutez.
func (e *Engine) InitiateWait(ctx context.Context, swap contract.Ref, hashedSecret common.Hash, refundTime time.Time, ethAddress string, amountMutez *big.Int) (*indexer.OperationStatus, error) {
	eth, err := counterAddress(ethAddress)
	if err != nil {
		return nil, err
	}
	if err := positive("swap amount", amountMutez); err != nil {
		return nil, err
	}
	return e.submit(ctx, []submitter.Operation{{
		Destination: swap.Address,
		Amount:      amountMutez,
		Entrypoint:  contract.EntrypointInitiateWait,
		Parameters:  contract.InitiateWaitParams(hashedSecret, refundTime, eth),
	}})
}

// TokenInitiateWait opens a token swap; the swap contract pulls amount tokens
// under the allowance set by ApproveToken.
func (e *Engine) TokenInitiateWait(ctx context.Context, swap contract.Ref, hashedSecret common.Hash, refundTime time.Time, ethAddress string, amount *big.Int) (*indexer.OperationStatus, error) {
	eth, err := counterAddress(ethAddress)
	if err != nil {
		return nil, err
	}
	if err := positive("swap amount", amount); err != nil {
		return nil, err
	}
	return e.submit(ctx, []submitter.Operation{{
		Destination: swap.Address,
		Entrypoint:  contract.EntrypointInitiateWait,
		Parameters:  contract.TokenInitiateWaitParams(amount, hashedSecret, refundTime, eth),
	}})
}

func (e *Engine) AddCounterParty(ctx context.Context, swap contract.Ref, hashedSecret common.Hash, participant string) (*indexer.OperationStatus, error) {
	params, err := contract.AddCounterPartyParams(hashedSecret, participant)
	if err != nil {
		return nil, err
	}
	return e.submit(ctx, []submitter.Operation{{
		Destination: swap.Address,
		Entrypoint:  contract.EntrypointAddCounterParty,
		Parameters:  params,
	}})
}

// Redeem reveals secret. The contract checks it against hashedSecret.
func (e *Engine) Redeem(ctx context.Context, swap contract.Ref, hashedSecret common.Hash, secret []byte) (*indexer.OperationStatus, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	return e.submit(ctx, []submitter.Operation{{
		Destination: swap.Address,
		Entrypoint:  contract.EntrypointRedeem,
		Parameters:  contract.RedeemParams(hashedSecret, secret),
	}})
}

// Refund reclaims an expired swap. The contract enforces the expiry.
func (e *Engine) Refund(ctx context.Context, swap contract.Ref, hashedSecret common.Hash) (*indexer.OperationStatus, error) {
	return e.submit(ctx, []submitter.Operation{{
		Destination: swap.Address,
		Entrypoint:  contract.EntrypointRefund,
		Parameters:  contract.RefundParams(hashedSecret),
	}})
}

func (e *Engine) GetReward(ctx context.Context, swap contract.Ref) (contract.Reward, error) {
	storage, err := e.node.ContractStorage(ctx, swap.Address)
	if err != nil {
		return contract.Reward{}, err
	}
	return contract.DecodeReward(storage)
}

func (e *Engine) GetFees(ctx context.Context) (map[string]contract.FeeSchedule, error) {
	storage, err := e.node.ContractStorage(ctx, e.feeContract.Address)
	if err != nil {
		return nil, err
	}
	return contract.DecodeFeeSchedule(storage)
}

// GetPrice returns the oracle value for an asset pair such as "ETH-USD", or
// nil when the oracle has no entry for it.
func (e *Engine) GetPrice(ctx context.Context, asset string) (*big.Int, error) {
	n, err := e.node.BigMapValue(ctx, e.priceContract.MapID, michelson.ExprHash(michelson.PackString(asset)))
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, nil
	}
	return contract.DecodePrice(*n)
}

// GetSwap returns nil when no swap is stored under hashedSecret.
func (e *Engine) GetSwap(ctx context.Context, swap contract.Ref, hashedSecret common.Hash) (*contract.Swap, error) {
	n, err := e.node.BigMapValue(ctx, swap.MapID, michelson.ExprHash(michelson.PackBytes(hashedSecret.Bytes())))
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, nil
	}
	return contract.DecodeSwap(*n)
}

func (e *Engine) GetAllSwaps(ctx context.Context, swap contract.Ref) ([]contract.Swap, error) {
	return e.ledger.ListSwaps(ctx, swap)
}

func (e *Engine) GetUserSwaps(ctx context.Context, swap contract.Ref, account string) ([]contract.Swap, error) {
	swaps, err := e.ledger.ListSwaps(ctx, swap)
	if err != nil {
		return nil, err
	}
	return indexer.UserSwaps(swaps, account), nil
}

// GetWaitingSwaps lists swaps opened by other accounts that still lack a
// counterparty and leave at least minTimeToExpire before expiry.
func (e *Engine) GetWaitingSwaps(ctx context.Context, swap contract.Ref, minTimeToExpire time.Duration) ([]contract.Swap, error) {
	swaps, err := e.ledger.ListSwaps(ctx, swap)
	if err != nil {
		return nil, err
	}
	return indexer.WaitingSwaps(swaps, e.account, minTimeToExpire, e.now()), nil
}

// FindRedeemedSecret returns the secret revealed by a redeem of hashedSecret,
// or nil when none was found.
func (e *Engine) FindRedeemedSecret(ctx context.Context, swap contract.Ref, hashedSecret common.Hash) (hexutil.Bytes, error) {
	return e.ledger.FindRedeemedSecret(ctx, swap, hashedSecret)
}

func (e *Engine) submit(ctx context.Context, ops []submitter.Operation) (*indexer.OperationStatus, error) {
	st, err := e.submitter.Submit(ctx, ops, e.confirmations)
	if err != nil {
		return st, fmt.Errorf("%s: %w", ops[len(ops)-1].Entrypoint, err)
	}
	return st, nil
}

func counterAddress(ethAddress string) (common.Address, error) {
	if !common.IsHexAddress(ethAddress) {
		return common.Address{}, fmt.Errorf("invalid ethereum address %q", ethAddress)
	}
	return common.HexToAddress(ethAddress), nil
}

func positive(name string, v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, v)
	}
	return nil
}
