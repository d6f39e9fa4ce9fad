package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSession posts batches to a signer bridge that holds the account key.
type HTTPSession struct {
	url   string
	token string
	http  *http.Client
}

type HTTPSessionConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

func NewHTTPSession(cfg HTTPSessionConfig) (*HTTPSession, error) {
	if cfg.URL == "" {
		return nil, errors.New("wallet session url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPSession{
		url:   cfg.URL,
		token: cfg.Token,
		http:  &http.Client{Timeout: timeout},
	}, nil
}

func (s *HTTPSession) RequestOperation(ctx context.Context, req OperationRequest) (OperationResponse, error) {
	if len(req.OperationDetails) == 0 {
		return OperationResponse{}, errors.New("empty operation batch")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return OperationResponse{}, fmt.Errorf("encode batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return OperationResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return OperationResponse{}, fmt.Errorf("request operation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return OperationResponse{}, fmt.Errorf("request operation: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out OperationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return OperationResponse{}, fmt.Errorf("decode operation response: %w", err)
	}
	if out.TransactionHash == "" {
		return OperationResponse{}, errors.New("signer returned no transaction hash")
	}
	return out, nil
}
