// Package indexer queries a Conseil indexer for data the node cannot answer
// cheaply: the full swap map, historical redeem calls and operation status.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tzswap/internal/metrics"
	"tzswap/internal/swaperr"
)

// Conseil predicate operations.
const (
	OpEq     = "eq"
	OpIn     = "in"
	OpAfter  = "after"
	OpBefore = "before"
	OpIsNull = "isnull"
)

const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

const (
	platform     = "tezos"
	maxErrorBody = 512
	// DefaultLimit caps every entity query.
	DefaultLimit = 1000
)

// Predicate is one filter clause of an entity query.
type Predicate struct {
	Field     string `json:"field"`
	Operation string `json:"operation"`
	Set       []any  `json:"set"`
	Inverse   bool   `json:"inverse"`
}

// Order is one sort clause.
type Order struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// Query is the body of a Conseil entity query.
type Query struct {
	Fields      []string    `json:"fields"`
	Predicates  []Predicate `json:"predicates"`
	OrderBy     []Order     `json:"orderBy"`
	Aggregation []any       `json:"aggregation"`
	Limit       int         `json:"limit"`
}

// Block is the subset of a block record used for confirmation depth.
type Block struct {
	Level     int64  `json:"level"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
}

// PollConfig bounds AwaitConfirmation.
type PollConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// Config wires a Client.
type Config struct {
	URL               string
	Network           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Poll              PollConfig
	HTTPClient        *http.Client
	Logger            zerolog.Logger
	Metrics           *metrics.Registry
}

// Client talks to the Conseil data API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	poll    PollConfig
	log     zerolog.Logger
	metrics *metrics.Registry
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("indexer: url is required")
	}
	if cfg.Network == "" {
		return nil, errors.New("indexer: network is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	poll := cfg.Poll
	if poll.MaxAttempts <= 0 {
		poll.MaxAttempts = 60
	}
	if poll.InitialBackoff <= 0 {
		poll.InitialBackoff = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/") + "/v2/data/" + platform + "/" + url.PathEscape(cfg.Network),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		poll:    poll,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// EntityQuery runs q against entity and decodes the resulting rows into out.
func (c *Client) EntityQuery(ctx context.Context, entity string, q Query, out any) error {
	if q.Aggregation == nil {
		q.Aggregation = []any{}
	}
	if q.Predicates == nil {
		q.Predicates = []Predicate{}
	}
	if q.OrderBy == nil {
		q.OrderBy = []Order{}
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	body, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/"+entity, body, out)
}

// Head returns the indexer's view of the chain head.
func (c *Client) Head(ctx context.Context) (Block, error) {
	var b Block
	if err := c.do(ctx, http.MethodGet, "/blocks/head", nil, &b); err != nil {
		return Block{}, err
	}
	return b, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Head(ctx)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	target := c.baseURL + path
	if err := c.limiter.Wait(ctx); err != nil {
		return &swaperr.RPCError{Method: method, URL: target, Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &swaperr.RPCError{Method: method, URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.IncQuery("indexer", "error")
		c.log.Warn().Err(err).Str("url", target).Msg("indexer request failed")
		return &swaperr.RPCError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("indexer request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.IncQuery("indexer", "error")
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &swaperr.RPCError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.metrics.IncQuery("indexer", "error")
		return fmt.Errorf("%s: %w: %v", path, swaperr.ErrDecode, err)
	}
	c.metrics.IncQuery("indexer", "ok")
	return nil
}
