// Package submitter serialises operation batches for one account: it holds the
// account lock from wallet submission until the batch is confirmed or has
// failed, so no two batches of the same account race for a counter.
package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"tzswap/internal/indexer"
	"tzswap/internal/journal"
	"tzswap/internal/metrics"
	"tzswap/internal/michelson"
	"tzswap/internal/swaperr"
	"tzswap/internal/wallet"
)

// DefaultConfirmations is the depth used when callers pass zero.
const DefaultConfirmations = 2

// Operation is one contract call inside a batch.
type Operation struct {
	Destination string
	// Amount in mutez; nil sends nothing.
	Amount     *big.Int
	Entrypoint string
	Parameters michelson.Node
}

// Confirmer waits for an injected group to reach a confirmation depth.
type Confirmer interface {
	AwaitConfirmation(ctx context.Context, groupID string, depth int) (*indexer.OperationStatus, error)
}

type Config struct {
	Account   string
	Session   wallet.Session
	Confirmer Confirmer
	Journal   journal.Store
	Logger    zerolog.Logger
	Metrics   *metrics.Registry
}

type Submitter struct {
	account   string
	session   wallet.Session
	confirmer Confirmer
	journal   journal.Store
	log       zerolog.Logger
	metrics   *metrics.Registry
	lock      *semaphore.Weighted
}

func New(cfg Config) (*Submitter, error) {
	if !michelson.ValidAddress(cfg.Account) {
		return nil, fmt.Errorf("submitter account: %w: %q", michelson.ErrInvalidAddress, cfg.Account)
	}
	if cfg.Session == nil {
		return nil, errors.New("submitter: wallet session is required")
	}
	if cfg.Confirmer == nil {
		return nil, errors.New("submitter: confirmer is required")
	}
	return &Submitter{
		account:   cfg.Account,
		session:   cfg.Session,
		confirmer: cfg.Confirmer,
		journal:   cfg.Journal,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		lock:      semaphore.NewWeighted(1),
	}, nil
}

func (s *Submitter) Account() string { return s.account }

// Submit sends ops as one batch and waits for confirmations blocks. A batch
// whose indexed status is not applied fails with *swaperr.RejectedError; its
// status is returned alongside. Nothing is retried.
func (s *Submitter) Submit(ctx context.Context, ops []Operation, confirmations int) (*indexer.OperationStatus, error) {
	if confirmations <= 0 {
		confirmations = DefaultConfirmations
	}
	req, err := s.buildRequest(ops)
	if err != nil {
		return nil, err
	}

	waitStart := time.Now()
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire account lock: %w", err)
	}
	defer s.lock.Release(1)
	s.metrics.ObserveLockWait(time.Since(waitStart))

	resp, err := s.session.RequestOperation(ctx, req)
	if err != nil {
		s.metrics.IncSubmission("wallet_error")
		s.log.Error().Err(err).Strs("entrypoints", entrypoints(ops)).Msg("wallet refused batch")
		return nil, fmt.Errorf("request operation: %w", err)
	}
	groupID := cleanHash(resp.TransactionHash)
	if groupID == "" {
		s.metrics.IncSubmission("wallet_error")
		return nil, errors.New("request operation: empty transaction hash")
	}

	submittedAt := time.Now().UTC()
	rec := journal.Record{
		GroupID:      groupID,
		Key:          journal.KeyFromContext(ctx),
		Account:      s.account,
		Entrypoints:  entrypoints(ops),
		Destinations: destinations(ops),
		Status:       journal.StatusPending,
		SubmittedAt:  submittedAt,
	}
	s.record(ctx, rec)
	s.log.Info().
		Str("group", groupID).
		Strs("entrypoints", rec.Entrypoints).
		Int("confirmations", confirmations).
		Msg("batch injected")

	st, err := s.confirmer.AwaitConfirmation(ctx, groupID, confirmations)
	if err != nil {
		rec.Status = journal.StatusError
		result := "error"
		if errors.Is(err, swaperr.ErrConfirmationTimeout) {
			rec.Status = journal.StatusTimeout
			result = "timeout"
		}
		rec.Error = err.Error()
		s.record(ctx, rec)
		s.metrics.IncSubmission(result)
		s.log.Warn().Err(err).Str("group", groupID).Msg("batch not confirmed")
		return nil, err
	}

	confirmedAt := time.Now().UTC()
	elapsed := confirmedAt.Sub(submittedAt)
	s.metrics.ObserveConfirmation(elapsed)
	rec.Status = st.Status
	rec.ConfirmedAt = &confirmedAt

	if !st.Applied() {
		rejected := &swaperr.RejectedError{GroupID: groupID, Status: st.Status}
		rec.Error = rejected.Error()
		s.record(ctx, rec)
		s.metrics.IncSubmission("rejected")
		s.log.Warn().Str("group", groupID).Str("status", st.Status).Dur("elapsed", elapsed).Msg("batch rejected")
		return st, rejected
	}

	s.record(ctx, rec)
	s.metrics.IncSubmission("applied")
	s.log.Info().
		Str("group", groupID).
		Int64("level", st.BlockLevel).
		Dur("elapsed", elapsed).
		Msg("batch confirmed")
	return st, nil
}

func (s *Submitter) buildRequest(ops []Operation) (wallet.OperationRequest, error) {
	if len(ops) == 0 {
		return wallet.OperationRequest{}, errors.New("empty operation batch")
	}
	details := make([]wallet.TransactionDetails, 0, len(ops))
	for i, op := range ops {
		if !michelson.ValidAddress(op.Destination) {
			return wallet.OperationRequest{}, fmt.Errorf("operation %d destination: %w: %q", i, michelson.ErrInvalidAddress, op.Destination)
		}
		if op.Entrypoint == "" {
			return wallet.OperationRequest{}, fmt.Errorf("operation %d: entrypoint is required", i)
		}
		amount := "0"
		if op.Amount != nil {
			if op.Amount.Sign() < 0 {
				return wallet.OperationRequest{}, fmt.Errorf("operation %d: negative amount %s", i, op.Amount)
			}
			amount = op.Amount.String()
		}
		value, err := json.Marshal(op.Parameters)
		if err != nil {
			return wallet.OperationRequest{}, fmt.Errorf("operation %d parameters: %w", i, err)
		}
		details = append(details, wallet.TransactionDetails{
			Kind:        wallet.KindTransaction,
			Amount:      amount,
			Destination: op.Destination,
			Source:      s.account,
			Parameters:  wallet.Parameters{Entrypoint: op.Entrypoint, Value: value},
		})
	}
	return wallet.OperationRequest{OperationDetails: details}, nil
}

// record writes to the journal even when the caller's context is done; a
// failed write is logged and does not fail the submission.
func (s *Submitter) record(ctx context.Context, rec journal.Record) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Save(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Warn().Err(err).Str("group", rec.GroupID).Msg("journal write failed")
	}
}

// cleanHash strips the quoting and line breaks signers print around the hash.
func cleanHash(raw string) string {
	return strings.TrimSpace(strings.NewReplacer(`"`, "", "\n", "", "\r", "").Replace(raw))
}

func entrypoints(ops []Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Entrypoint
	}
	return out
}

func destinations(ops []Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Destination
	}
	return out
}
