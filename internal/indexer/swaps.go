package indexer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"tzswap/internal/contract"
)

// RedeemSearchStart is the earliest timestamp (epoch ms) scanned for redeem
// calls. No swap contract was deployed before it.
const RedeemSearchStart int64 = 1599984675000

type redeemRow struct {
	Timestamp  int64  `json:"timestamp"`
	Source     string `json:"source"`
	Entrypoint string `json:"parameters_entrypoints"`
	Parameters string `json:"parameters"`
}

type bigMapRow struct {
	Key              string  `json:"key"`
	KeyHash          string  `json:"key_hash"`
	OperationGroupID string  `json:"operation_group_id"`
	Value            *string `json:"value"`
}

// FindRedeemedSecret scans applied redeem calls on the swap contract, newest
// first, and returns the secret revealed for hashedSecret. It returns nil when
// no such call is among the most recent DefaultLimit redeems.
func (c *Client) FindRedeemedSecret(ctx context.Context, swap contract.Ref, hashedSecret common.Hash) (hexutil.Bytes, error) {
	var rows []redeemRow
	err := c.EntityQuery(ctx, "operations", Query{
		Fields: []string{"timestamp", "source", "parameters_entrypoints", "parameters"},
		Predicates: []Predicate{
			{Field: "kind", Operation: OpEq, Set: []any{"transaction"}},
			{Field: "timestamp", Operation: OpAfter, Set: []any{RedeemSearchStart}},
			{Field: "status", Operation: OpEq, Set: []any{StatusApplied}},
			{Field: "destination", Operation: OpEq, Set: []any{swap.Address}},
			{Field: "parameters_entrypoints", Operation: OpEq, Set: []any{contract.EntrypointRedeem}},
		},
		OrderBy: []Order{{Field: "timestamp", Direction: SortDesc}},
		Limit:   DefaultLimit,
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("query redeems: %w", err)
	}

	for _, row := range rows {
		hs, secret, err := contract.DecodeRedeemParameters(row.Parameters)
		if err != nil {
			c.log.Debug().Err(err).Str("source", row.Source).Msg("skipping unparseable redeem call")
			continue
		}
		if hs == hashedSecret {
			return secret, nil
		}
	}
	return nil, nil
}

// ListSwaps returns every live swap in the contract's big-map, ordered by key
// descending as the indexer returns them.
func (c *Client) ListSwaps(ctx context.Context, swap contract.Ref) ([]contract.Swap, error) {
	var rows []bigMapRow
	err := c.EntityQuery(ctx, "big_map_contents", Query{
		Fields: []string{"key", "key_hash", "operation_group_id", "big_map_id", "value"},
		Predicates: []Predicate{
			{Field: "big_map_id", Operation: OpEq, Set: []any{strconv.FormatInt(swap.MapID, 10)}},
			{Field: "value", Operation: OpIsNull, Set: []any{""}, Inverse: true},
		},
		OrderBy: []Order{{Field: "key", Direction: SortDesc}},
		Limit:   DefaultLimit,
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("query swaps: %w", err)
	}

	swaps := make([]contract.Swap, 0, len(rows))
	for _, row := range rows {
		if row.Value == nil {
			continue
		}
		swp, err := contract.DecodeSwapText(*row.Value)
		if err != nil {
			return nil, fmt.Errorf("swap %s: %w", row.Key, err)
		}
		swaps = append(swaps, *swp)
	}
	return swaps, nil
}

// UserSwaps keeps the swaps initiated by account.
func UserSwaps(swaps []contract.Swap, account string) []contract.Swap {
	out := make([]contract.Swap, 0, len(swaps))
	for _, s := range swaps {
		if s.Initiator == account {
			out = append(out, s)
		}
	}
	return out
}

// WaitingSwaps keeps the swaps another account opened that still lack a
// counterparty and will not expire within minTimeToExpire of now.
func WaitingSwaps(swaps []contract.Swap, account string, minTimeToExpire time.Duration, now time.Time) []contract.Swap {
	deadline := now.Unix() + int64(minTimeToExpire/time.Second)
	out := make([]contract.Swap, 0, len(swaps))
	for _, s := range swaps {
		if s.Waiting() && s.Initiator != account && deadline < s.RefundTimestamp {
			out = append(out, s)
		}
	}
	return out
}
