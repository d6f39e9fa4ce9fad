package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"tzswap/internal/contract"
	"tzswap/internal/indexer"
	"tzswap/internal/journal"
	"tzswap/internal/michelson"
	"tzswap/internal/swaperr"
)

const (
	actionRedeem = "redeem"
	actionRefund = "refund"
)

type balanceResponse struct {
	Address      string `json:"address"`
	Balance      string `json:"balance"`
	TokenBalance string `json:"tokenBalance,omitempty"`
}

type priceResponse struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
}

type secretResponse struct {
	HashedSecret common.Hash   `json:"hashedSecret"`
	Secret       hexutil.Bytes `json:"secret"`
}

type redeemRequest struct {
	Secret hexutil.Bytes `json:"secret"`
}

type actionResponse struct {
	HashedSecret common.Hash `json:"hashedSecret"`
	Action       string      `json:"action"`
	GroupID      string      `json:"groupId,omitempty"`
	Status       string      `json:"status"`
	BlockLevel   int64       `json:"blockLevel,omitempty"`
	Replayed     bool        `json:"replayed,omitempty"`
	Error        string      `json:"error,omitempty"`
}

type actionResult struct {
	code int
	body actionResponse
}

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	initiator := strings.TrimSpace(r.URL.Query().Get("initiator"))

	var (
		swaps []contract.Swap
		err   error
	)
	if initiator != "" {
		if !michelson.ValidAddress(initiator) {
			writeError(w, http.StatusBadRequest, "invalid initiator address")
			return
		}
		swaps, err = s.engine.GetUserSwaps(r.Context(), s.swap, initiator)
	} else {
		swaps, err = s.engine.GetAllSwaps(r.Context(), s.swap)
	}
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(swaps))
}

func (s *Server) handleWaitingSwaps(w http.ResponseWriter, r *http.Request) {
	var minTime time.Duration
	if raw := r.URL.Query().Get("minTimeToExpire"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "minTimeToExpire must be a non-negative number of seconds")
			return
		}
		minTime = time.Duration(secs) * time.Second
	}

	swaps, err := s.engine.GetWaitingSwaps(r.Context(), s.swap, minTime)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(swaps))
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	hs, ok := hashedSecretParam(w, r)
	if !ok {
		return
	}
	swp, err := s.engine.GetSwap(r.Context(), s.swap, hs)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	if swp == nil {
		writeError(w, http.StatusNotFound, "swap not found")
		return
	}
	writeJSON(w, http.StatusOK, swp)
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	hs, ok := hashedSecretParam(w, r)
	if !ok {
		return
	}
	secret, err := s.engine.FindRedeemedSecret(r.Context(), s.swap, hs)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	if secret == nil {
		writeError(w, http.StatusNotFound, "secret not revealed")
		return
	}
	writeJSON(w, http.StatusOK, secretResponse{HashedSecret: hs, Secret: secret})
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	fees, err := s.engine.GetFees(r.Context())
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, fees)
}

func (s *Server) handleReward(w http.ResponseWriter, r *http.Request) {
	reward, err := s.engine.GetReward(r.Context(), s.swap)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reward)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	asset := r.PathValue("asset")
	price, err := s.engine.GetPrice(r.Context(), asset)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	if price == nil {
		writeError(w, http.StatusNotFound, "no price for "+asset)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{Asset: asset, Price: price.String()})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if !michelson.ValidAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	balance, err := s.engine.Balance(r.Context(), address)
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	resp := balanceResponse{Address: address, Balance: balance.String()}
	if s.token.Address != "" {
		tokens, err := s.engine.TokenBalance(r.Context(), s.token, address)
		if err != nil {
			s.fail(w, r, err, http.StatusInternalServerError)
			return
		}
		resp.TokenBalance = tokens.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	rec, err := s.journal.Get(r.Context(), r.PathValue("groupID"))
	if err != nil {
		s.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	hs, ok := hashedSecretParam(w, r)
	if !ok {
		return
	}
	var payload redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if len(payload.Secret) == 0 {
		writeError(w, http.StatusBadRequest, "secret is required")
		return
	}

	s.runAction(w, r, actionRedeem, hs, func(ctx context.Context) (*indexer.OperationStatus, error) {
		return s.engine.Redeem(ctx, s.swap, hs, payload.Secret)
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	hs, ok := hashedSecretParam(w, r)
	if !ok {
		return
	}
	s.runAction(w, r, actionRefund, hs, func(ctx context.Context) (*indexer.OperationStatus, error) {
		return s.engine.Refund(ctx, s.swap, hs)
	})
}

// runAction submits at most one batch per action and hashed secret. A journal
// record that is applied or still pending is replayed instead of resubmitted;
// concurrent identical requests share one submission. The submission runs on
// its own context bounded by actionTimeout, so a caller that disconnects does
// not cancel it for the others.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, action string, hs common.Hash, submit func(context.Context) (*indexer.OperationStatus, error)) {
	key := action + ":" + hs.Hex()

	ch := s.inflight.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.actionTimeout)
		defer cancel()
		ctx = journal.WithKey(ctx, key)

		if prev := s.previous(ctx, key); prev != nil {
			switch prev.Status {
			case indexer.StatusApplied, journal.StatusPending:
				code := http.StatusOK
				if prev.Status == journal.StatusPending {
					code = http.StatusAccepted
				}
				return actionResult{code: code, body: actionResponse{
					HashedSecret: hs,
					Action:       action,
					GroupID:      prev.GroupID,
					Status:       prev.Status,
					Replayed:     true,
				}}, nil
			}
		}

		st, err := submit(ctx)
		body := actionResponse{HashedSecret: hs, Action: action}
		if st != nil {
			body.GroupID = st.GroupID
			body.Status = st.Status
			body.BlockLevel = st.BlockLevel
		}
		if err != nil {
			body.Error = err.Error()
			var rejected *swaperr.RejectedError
			if errors.As(err, &rejected) {
				body.GroupID = rejected.GroupID
				body.Status = rejected.Status
			} else if prev := s.previous(ctx, key); prev != nil && body.GroupID == "" {
				body.GroupID = prev.GroupID
				body.Status = prev.Status
			}
			if body.Status == "" {
				body.Status = journal.StatusError
			}
			s.log.Warn().Err(err).Str("action", action).Str("hashed_secret", hs.Hex()).Msg("action failed")
			return actionResult{code: statusFor(err, http.StatusBadGateway), body: body}, nil
		}
		return actionResult{code: http.StatusOK, body: body}, nil
	})

	var res actionResult
	select {
	case out := <-ch:
		res = out.Val.(actionResult)
	case <-r.Context().Done():
		s.log.Info().Str("action", action).Str("hashed_secret", hs.Hex()).Msg("caller left, submission continues")
		s.metrics.IncAction(action, "abandoned")
		return
	}
	result := res.body.Status
	if res.body.Replayed {
		result = "replayed"
	}
	s.metrics.IncAction(action, result)
	writeJSON(w, res.code, res.body)
}

func (s *Server) previous(ctx context.Context, key string) *journal.Record {
	if s.journal == nil {
		return nil
	}
	rec, err := s.journal.FindByKey(ctx, key)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("journal lookup failed")
		return nil
	}
	return rec
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, fallback int) {
	code := statusFor(err, fallback)
	s.log.Error().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
	writeError(w, code, err.Error())
}

// statusFor maps engine failure kinds to HTTP status codes.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, swaperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, swaperr.ErrTransactionRejected):
		return http.StatusConflict
	case errors.Is(err, swaperr.ErrConfirmationTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, swaperr.ErrRPC):
		return http.StatusBadGateway
	case errors.Is(err, swaperr.ErrDecode):
		return http.StatusInternalServerError
	default:
		return fallback
	}
}

func hashedSecretParam(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	raw := r.PathValue("hashedSecret")
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		writeError(w, http.StatusBadRequest, "hashedSecret must be 32 hex bytes")
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func nonNil(swaps []contract.Swap) []contract.Swap {
	if swaps == nil {
		return []contract.Swap{}
	}
	return swaps
}
