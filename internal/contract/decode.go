package contract

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"tzswap/internal/michelson"
	"tzswap/internal/swaperr"
)

// DecodeSwap decodes a swap value returned by a node big-map point lookup:
//
//	Pair (Pair hashedSecret initiator ethAddress) (Pair participant refundTime) state value
func DecodeSwap(n michelson.Node) (*Swap, error) {
	parts, err := comb(n, "$", 4)
	if err != nil {
		return nil, err
	}
	return decodeSwapParts(parts)
}

// DecodeSwapEntry decodes a swap value as exported by the indexer, where the
// four top-level fields arrive as a sequence and the identity part nests the
// initiator pair one level deeper:
//
//	{ Pair hashedSecret (Pair initiator ethAddress) ; Pair participant refundTime ; state ; value }
func DecodeSwapEntry(n michelson.Node) (*Swap, error) {
	if n.Kind == michelson.KindSeq {
		if len(n.Args) != 4 {
			return nil, swaperr.Decodef("$", "seq of 4", "%s", n.Describe())
		}
		return decodeSwapParts(n.Args)
	}
	return DecodeSwap(n)
}

// DecodeSwapText parses indexer Michelson text and decodes it with DecodeSwapEntry.
func DecodeSwapText(text string) (*Swap, error) {
	n, err := michelson.ParseAny(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swaperr.ErrDecode, err)
	}
	return DecodeSwapEntry(n)
}

func decodeSwapParts(parts []michelson.Node) (*Swap, error) {
	identity, err := comb(parts[0], "$[0]", 3)
	if err != nil {
		return nil, err
	}
	timing, err := comb(parts[1], "$[1]", 2)
	if err != nil {
		return nil, err
	}

	hs, err := hash32(identity[0], "$[0][0]")
	if err != nil {
		return nil, err
	}
	initiator, err := address(identity[1], "$[0][1]")
	if err != nil {
		return nil, err
	}
	ethAddr, err := str(identity[2], "$[0][2]")
	if err != nil {
		return nil, err
	}
	participant, err := address(timing[0], "$[1][0]")
	if err != nil {
		return nil, err
	}
	refund, err := timestamp(timing[1], "$[1][1]")
	if err != nil {
		return nil, err
	}
	state, err := integer(parts[2], "$[2]")
	if err != nil {
		return nil, err
	}
	if !state.IsInt64() || !State(state.Int64()).Valid() {
		return nil, swaperr.Decodef("$[2]", "state 0..4", "%s", state)
	}
	value, err := nat(parts[3], "$[3]")
	if err != nil {
		return nil, err
	}

	return &Swap{
		HashedSecret:            hs,
		Initiator:               initiator,
		InitiatorCounterAddress: ethAddr,
		Participant:             participant,
		RefundTimestamp:         refund,
		State:                   State(state.Int64()),
		Value:                   value,
	}, nil
}

// DecodeFeeSchedule decodes the fee contract storage. Field 1 of the storage is
// a map from chain name to
//
//	Pair (Pair addCounterParty approve) initiateWait redeem updateTime
func DecodeFeeSchedule(storage michelson.Node) (map[string]FeeSchedule, error) {
	fields, err := combAtLeast(storage, "$", 2)
	if err != nil {
		return nil, err
	}
	entries := fields[1]
	if entries.Kind != michelson.KindSeq {
		return nil, swaperr.Decodef("$[1]", "seq", "%s", entries.Describe())
	}

	out := make(map[string]FeeSchedule, len(entries.Args))
	for i, elt := range entries.Args {
		path := fmt.Sprintf("$[1][%d]", i)
		if !elt.IsPrim("Elt") || len(elt.Args) != 2 {
			return nil, swaperr.Decodef(path, "Elt/2", "%s", elt.Describe())
		}
		name, err := str(elt.Args[0], path+".key")
		if err != nil {
			return nil, err
		}
		fee, err := decodeFee(elt.Args[1], path+".value")
		if err != nil {
			return nil, err
		}
		out[name] = fee
	}
	return out, nil
}

func decodeFee(n michelson.Node, path string) (FeeSchedule, error) {
	parts, err := comb(n, path, 4)
	if err != nil {
		return FeeSchedule{}, err
	}
	first, err := comb(parts[0], path+"[0]", 2)
	if err != nil {
		return FeeSchedule{}, err
	}
	var fee FeeSchedule
	if fee.AddCounterParty, err = int64At(first[0], path+"[0][0]"); err != nil {
		return FeeSchedule{}, err
	}
	if fee.Approve, err = int64At(first[1], path+"[0][1]"); err != nil {
		return FeeSchedule{}, err
	}
	if fee.InitiateWait, err = int64At(parts[1], path+"[1]"); err != nil {
		return FeeSchedule{}, err
	}
	if fee.Redeem, err = int64At(parts[2], path+"[2]"); err != nil {
		return FeeSchedule{}, err
	}
	updated, err := timestampMillis(parts[3], path+"[3]")
	if err != nil {
		return FeeSchedule{}, err
	}
	fee.UpdateTime = time.UnixMilli(updated).UTC()
	return fee, nil
}

// DecodePrice decodes an oracle (normalizer) map value. The computed price is
// the first element of the first pair.
func DecodePrice(n michelson.Node) (*big.Int, error) {
	outer, err := combAtLeast(n, "$", 2)
	if err != nil {
		return nil, err
	}
	inner, err := combAtLeast(outer[0], "$[0]", 2)
	if err != nil {
		return nil, err
	}
	return integer(inner[0], "$[0][0]")
}

// DecodeReward reads the reward basis points held in field 2 of the swap
// contract storage.
func DecodeReward(storage michelson.Node) (Reward, error) {
	fields, err := combAtLeast(storage, "$", 3)
	if err != nil {
		return Reward{}, err
	}
	bps, err := int64At(fields[2], "$[2]")
	if err != nil {
		return Reward{}, err
	}
	return Reward{BasisPoints: bps}, nil
}

// DecodeLedger decodes an FA1.2 ledger value: Pair balance { Elt spender amount ; ... }.
func DecodeLedger(n michelson.Node) (Ledger, error) {
	parts, err := comb(n, "$", 2)
	if err != nil {
		return Ledger{}, err
	}
	balance, err := nat(parts[0], "$[0]")
	if err != nil {
		return Ledger{}, err
	}
	if parts[1].Kind != michelson.KindSeq {
		return Ledger{}, swaperr.Decodef("$[1]", "seq", "%s", parts[1].Describe())
	}
	ledger := Ledger{Balance: balance}
	for i, elt := range parts[1].Args {
		path := fmt.Sprintf("$[1][%d]", i)
		if !elt.IsPrim("Elt") || len(elt.Args) != 2 {
			return Ledger{}, swaperr.Decodef(path, "Elt/2", "%s", elt.Describe())
		}
		spender, err := address(elt.Args[0], path+".key")
		if err != nil {
			return Ledger{}, err
		}
		amount, err := nat(elt.Args[1], path+".value")
		if err != nil {
			return Ledger{}, err
		}
		ledger.Allowances = append(ledger.Allowances, Allowance{Spender: spender, Amount: amount})
	}
	return ledger, nil
}

// DecodeRedeemParameters extracts (hashedSecret, secret) from the parameters of
// a historical redeem call.
func DecodeRedeemParameters(text string) (common.Hash, hexutil.Bytes, error) {
	n, err := michelson.ParseAny(text)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("%w: %v", swaperr.ErrDecode, err)
	}
	parts, err := comb(n, "$", 2)
	if err != nil {
		return common.Hash{}, nil, err
	}
	hs, err := hash32(parts[0], "$[0]")
	if err != nil {
		return common.Hash{}, nil, err
	}
	secret, err := bytesAt(parts[1], "$[1]")
	if err != nil {
		return common.Hash{}, nil, err
	}
	return hs, hexutil.Bytes(secret), nil
}

func comb(n michelson.Node, path string, size int) ([]michelson.Node, error) {
	if !n.IsPrim("Pair") {
		return nil, swaperr.Decodef(path, fmt.Sprintf("Pair/%d", size), "%s", n.Describe())
	}
	parts := n.Flatten()
	if len(parts) != size {
		return nil, swaperr.Decodef(path, fmt.Sprintf("Pair/%d", size), "comb of %d", len(parts))
	}
	return parts, nil
}

func combAtLeast(n michelson.Node, path string, size int) ([]michelson.Node, error) {
	if !n.IsPrim("Pair") {
		return nil, swaperr.Decodef(path, fmt.Sprintf("Pair/%d+", size), "%s", n.Describe())
	}
	parts := n.Flatten()
	if len(parts) < size {
		return nil, swaperr.Decodef(path, fmt.Sprintf("Pair/%d+", size), "comb of %d", len(parts))
	}
	return parts, nil
}

func integer(n michelson.Node, path string) (*big.Int, error) {
	if n.Kind != michelson.KindInt || n.Int == nil {
		return nil, swaperr.Decodef(path, "int", "%s", n.Describe())
	}
	return new(big.Int).Set(n.Int), nil
}

func nat(n michelson.Node, path string) (*big.Int, error) {
	v, err := integer(n, path)
	if err != nil {
		return nil, err
	}
	if v.Sign() < 0 {
		return nil, swaperr.Decodef(path, "nat", "%s", v)
	}
	return v, nil
}

func int64At(n michelson.Node, path string) (int64, error) {
	v, err := integer(n, path)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, swaperr.Decodef(path, "int64", "%s", v)
	}
	return v.Int64(), nil
}

func str(n michelson.Node, path string) (string, error) {
	if n.Kind != michelson.KindString {
		return "", swaperr.Decodef(path, "string", "%s", n.Describe())
	}
	return n.Str, nil
}

func bytesAt(n michelson.Node, path string) ([]byte, error) {
	if n.Kind != michelson.KindBytes {
		return nil, swaperr.Decodef(path, "bytes", "%s", n.Describe())
	}
	return n.Bytes, nil
}

func hash32(n michelson.Node, path string) (common.Hash, error) {
	b, err := bytesAt(n, path)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, swaperr.Decodef(path, "32 bytes", "%d bytes", len(b))
	}
	return common.BytesToHash(b), nil
}

// address accepts both the readable (base58 string) and optimized (bytes) forms.
func address(n michelson.Node, path string) (string, error) {
	switch n.Kind {
	case michelson.KindString:
		if !michelson.ValidAddress(n.Str) {
			return "", swaperr.Decodef(path, "address", "%q", n.Str)
		}
		return n.Str, nil
	case michelson.KindBytes:
		addr, err := michelson.DecodeAddress(n.Bytes)
		if err != nil {
			return "", swaperr.Decodef(path, "address", "%v", err)
		}
		return addr, nil
	default:
		return "", swaperr.Decodef(path, "address", "%s", n.Describe())
	}
}

// timestamp accepts both the readable (RFC3339 string) and optimized (int
// seconds) forms and returns unix seconds.
func timestamp(n michelson.Node, path string) (int64, error) {
	switch n.Kind {
	case michelson.KindInt:
		return int64At(n, path)
	case michelson.KindString:
		t, err := time.Parse(time.RFC3339, n.Str)
		if err != nil {
			return 0, swaperr.Decodef(path, "timestamp", "%q", n.Str)
		}
		return t.Unix(), nil
	default:
		return 0, swaperr.Decodef(path, "timestamp", "%s", n.Describe())
	}
}

func timestampMillis(n michelson.Node, path string) (int64, error) {
	if n.Kind == michelson.KindString {
		t, err := time.Parse(time.RFC3339Nano, n.Str)
		if err != nil {
			return 0, swaperr.Decodef(path, "timestamp", "%q", n.Str)
		}
		return t.UnixMilli(), nil
	}
	secs, err := timestamp(n, path)
	if err != nil {
		return 0, err
	}
	return secs * 1000, nil
}
