package indexer

import (
	"context"
	"fmt"
	"math"
	"time"

	"tzswap/internal/swaperr"
)

// StatusApplied is the only status that means the operation took effect.
const StatusApplied = "applied"

// OperationStatus is the indexer's record of a submitted operation group.
type OperationStatus struct {
	GroupID       string `json:"groupId"`
	Status        string `json:"status"`
	BlockLevel    int64  `json:"blockLevel"`
	BlockHash     string `json:"blockHash"`
	Operations    int    `json:"operations"`
	Confirmations int64  `json:"confirmations"`
}

func (s OperationStatus) Applied() bool { return s.Status == StatusApplied }

type operationRow struct {
	GroupHash   string `json:"operation_group_hash"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	BlockLevel  int64  `json:"block_level"`
	BlockHash   string `json:"block_hash"`
	Destination string `json:"destination"`
}

// OperationStatus reports the current indexed status of a group, or nil when
// the group has not been included yet. A group whose operations disagree takes
// the first non-applied status.
func (c *Client) OperationStatus(ctx context.Context, groupID string) (*OperationStatus, error) {
	var rows []operationRow
	err := c.EntityQuery(ctx, "operations", Query{
		Fields: []string{"operation_group_hash", "kind", "status", "block_level", "block_hash", "destination"},
		Predicates: []Predicate{
			{Field: "operation_group_hash", Operation: OpEq, Set: []any{groupID}},
		},
		Limit: DefaultLimit,
	}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	st := &OperationStatus{
		GroupID:    groupID,
		Status:     StatusApplied,
		BlockLevel: rows[0].BlockLevel,
		BlockHash:  rows[0].BlockHash,
		Operations: len(rows),
	}
	for _, row := range rows {
		if row.Status != StatusApplied {
			st.Status = row.Status
			break
		}
	}
	return st, nil
}

// AwaitConfirmation polls until groupID is included and buried under depth
// blocks (the inclusion block counts as one), or until its status shows it did
// not apply. Non-applied statuses are returned without error; the caller
// decides what a rejection means. Poll failures are logged and spend an attempt.
func (c *Client) AwaitConfirmation(ctx context.Context, groupID string, depth int) (*OperationStatus, error) {
	if depth <= 0 {
		depth = 1
	}
	backoff := c.poll.InitialBackoff

	for attempt := 1; attempt <= c.poll.MaxAttempts; attempt++ {
		st, err := c.confirmationStep(ctx, groupID, int64(depth))
		switch {
		case err != nil:
			c.log.Warn().Err(err).Str("group", groupID).Int("attempt", attempt).Msg("confirmation poll failed")
		case st != nil:
			return st, nil
		}

		if attempt == c.poll.MaxAttempts {
			break
		}
		backoff = c.poll.clamp(backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		backoff = c.poll.next(backoff)
	}
	return nil, fmt.Errorf("operation %s after %d polls: %w", groupID, c.poll.MaxAttempts, swaperr.ErrConfirmationTimeout)
}

// confirmationStep returns a non-nil status once polling can stop.
func (c *Client) confirmationStep(ctx context.Context, groupID string, depth int64) (*OperationStatus, error) {
	st, err := c.OperationStatus(ctx, groupID)
	if err != nil || st == nil {
		return nil, err
	}
	if !st.Applied() {
		return st, nil
	}
	head, err := c.Head(ctx)
	if err != nil {
		return nil, err
	}
	st.Confirmations = head.Level - st.BlockLevel + 1
	if st.Confirmations >= depth {
		return st, nil
	}
	c.log.Debug().Str("group", groupID).Int64("confirmations", st.Confirmations).Int64("depth", depth).Msg("awaiting depth")
	return nil, nil
}

func (p PollConfig) clamp(d time.Duration) time.Duration {
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// next grows d by the multiplier, capped at MaxBackoff. Without a cap the
// delay stops growing once another step would overflow.
func (p PollConfig) next(d time.Duration) time.Duration {
	if p.BackoffMultiplier <= 1 || d <= 0 {
		return d
	}
	mult := time.Duration(p.BackoffMultiplier)
	if d > math.MaxInt64/mult {
		return p.clamp(time.Duration(math.MaxInt64))
	}
	return p.clamp(d * mult)
}
