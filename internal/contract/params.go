package contract

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tzswap/internal/michelson"
)

// Entrypoints of the swap contract and of FA1.2 tokens.
const (
	EntrypointInitiateWait    = "initiateWait"
	EntrypointAddCounterParty = "addCounterParty"
	EntrypointRedeem          = "redeem"
	EntrypointRefund          = "refund"
	EntrypointApprove         = "approve"
)

// Timestamp renders t the way timestamp literals are written in parameters.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// InitiateWaitParams builds the native-asset initiateWait argument:
//
//	Pair hashedSecret (Pair refundTime ethAddress)
func InitiateWaitParams(hashedSecret common.Hash, refundTime time.Time, ethAddress common.Address) michelson.Node {
	return michelson.Pair(
		michelson.Bytes(hashedSecret.Bytes()),
		michelson.Pair(michelson.String(Timestamp(refundTime)), michelson.String(ethAddress.Hex())),
	)
}

// TokenInitiateWaitParams builds the token initiateWait argument:
//
//	Pair (Pair amount hashedSecret) (Pair refundTime ethAddress)
func TokenInitiateWaitParams(amount *big.Int, hashedSecret common.Hash, refundTime time.Time, ethAddress common.Address) michelson.Node {
	return michelson.Pair(
		michelson.Pair(michelson.Int(amount), michelson.Bytes(hashedSecret.Bytes())),
		michelson.Pair(michelson.String(Timestamp(refundTime)), michelson.String(ethAddress.Hex())),
	)
}

// AddCounterPartyParams builds Pair hashedSecret participant.
func AddCounterPartyParams(hashedSecret common.Hash, participant string) (michelson.Node, error) {
	if !michelson.ValidAddress(participant) {
		return michelson.Node{}, fmt.Errorf("%w: %q", michelson.ErrInvalidAddress, participant)
	}
	return michelson.Pair(michelson.Bytes(hashedSecret.Bytes()), michelson.String(participant)), nil
}

// RedeemParams builds Pair hashedSecret secret.
func RedeemParams(hashedSecret common.Hash, secret []byte) michelson.Node {
	return michelson.Pair(michelson.Bytes(hashedSecret.Bytes()), michelson.Bytes(secret))
}

// RefundParams builds the bare hashedSecret argument.
func RefundParams(hashedSecret common.Hash) michelson.Node {
	return michelson.Bytes(hashedSecret.Bytes())
}

// ApproveParams builds the FA1.2 approve argument Pair spender amount.
func ApproveParams(spender string, amount *big.Int) (michelson.Node, error) {
	if !michelson.ValidAddress(spender) {
		return michelson.Node{}, fmt.Errorf("%w: %q", michelson.ErrInvalidAddress, spender)
	}
	if amount.Sign() < 0 {
		return michelson.Node{}, fmt.Errorf("negative approve amount %s", amount)
	}
	return michelson.Pair(michelson.String(spender), michelson.Int(amount)), nil
}
