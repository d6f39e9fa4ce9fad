// Package contract understands the fixed set of contracts the engine talks to:
// the HTLC swap contract, FA1.2 tokens, the fee-schedule contract and the
// price oracle. It turns their storage trees into typed records and builds the
// typed call parameters for each entrypoint.
package contract

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Ref identifies a deployed contract and its big-map.
type Ref struct {
	Address string `json:"address" yaml:"address"`
	MapID   int64  `json:"mapId" yaml:"mapId"`
}

// State is the on-chain status of one swap.
type State int

const (
	StateFailed State = iota
	StateInitiated
	StateImplementing
	StateCompleted
	StateRefunded
)

func (s State) String() string {
	switch s {
	case StateFailed:
		return "failed"
	case StateInitiated:
		return "initiated"
	case StateImplementing:
		return "implementing"
	case StateCompleted:
		return "completed"
	case StateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

func (s State) Valid() bool { return s >= StateFailed && s <= StateRefunded }

// Swap is one HTLC instance keyed by its hashed secret.
type Swap struct {
	HashedSecret            common.Hash `json:"hashedSecret"`
	Initiator               string      `json:"initiator"`
	InitiatorCounterAddress string      `json:"initiatorEthAddress"`
	Participant             string      `json:"participant"`
	RefundTimestamp         int64       `json:"refundTimestamp"`
	State                   State       `json:"state"`
	Value                   *big.Int    `json:"value"`
}

// Waiting reports whether no counterparty has been bound yet.
func (s Swap) Waiting() bool { return s.Participant == s.Initiator }

// FeeSchedule holds the gas estimates published for one remote chain.
type FeeSchedule struct {
	AddCounterParty int64     `json:"addCounterParty"`
	Approve         int64     `json:"approve"`
	InitiateWait    int64     `json:"initiateWait"`
	Redeem          int64     `json:"redeem"`
	UpdateTime      time.Time `json:"-"`
}

// MarshalJSON reports UpdateTime in epoch milliseconds.
func (f FeeSchedule) MarshalJSON() ([]byte, error) {
	type alias FeeSchedule
	return json.Marshal(struct {
		alias
		UpdateTime int64 `json:"updateTime"`
	}{alias(f), f.UpdateTime.UnixMilli()})
}

// Allowance is one spender entry of an FA1.2 ledger record.
type Allowance struct {
	Spender string
	Amount  *big.Int
}

// Ledger is the FA1.2 ledger value stored for one account.
type Ledger struct {
	Balance    *big.Int
	Allowances []Allowance
}

// AllowanceFor returns the amount approved for spender, zero when absent.
func (l Ledger) AllowanceFor(spender string) *big.Int {
	for _, a := range l.Allowances {
		if a.Spender == spender {
			return new(big.Int).Set(a.Amount)
		}
	}
	return new(big.Int)
}

// Reward is the basis-point share paid to whoever services another's swap.
type Reward struct {
	BasisPoints int64 `json:"reward"`
}
