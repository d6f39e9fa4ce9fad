// Package chain reads balances, contract storage and big-map values from a
// Tezos node over its RPC interface.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tzswap/internal/contract"
	"tzswap/internal/metrics"
	"tzswap/internal/michelson"
	"tzswap/internal/swaperr"
)

const (
	headPath       = "/chains/main/blocks/head"
	maxErrorBody   = 512
	defaultTimeout = 10 * time.Second
)

// Config wires a Client.
type Config struct {
	RPCURL            string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            zerolog.Logger
	Metrics           *metrics.Registry
}

// Client is a node RPC client. It holds no state between calls.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics *metrics.Registry
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("chain: rpc url is required")
	}
	if _, err := url.Parse(cfg.RPCURL); err != nil {
		return nil, fmt.Errorf("chain: parse rpc url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.RPCURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Balance returns the spendable balance of address in mutez. An account the
// node does not know has a zero balance.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	var raw string
	found, err := c.get(ctx, headPath+"/context/contracts/"+url.PathEscape(address)+"/balance", &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, swaperr.Decodef("balance", "decimal string", "%q", raw)
	}
	return v, nil
}

// ContractStorage returns the full storage tree of a contract.
func (c *Client) ContractStorage(ctx context.Context, address string) (michelson.Node, error) {
	var n michelson.Node
	found, err := c.get(ctx, headPath+"/context/contracts/"+url.PathEscape(address)+"/storage", &n)
	if err != nil {
		return michelson.Node{}, err
	}
	if !found {
		return michelson.Node{}, fmt.Errorf("contract %s: %w", address, swaperr.ErrNotFound)
	}
	return n, nil
}

// BigMapValue looks up a value by its expr key hash. A missing key returns a
// nil node and no error.
func (c *Client) BigMapValue(ctx context.Context, mapID int64, exprHash string) (*michelson.Node, error) {
	var n michelson.Node
	path := headPath + "/context/big_maps/" + strconv.FormatInt(mapID, 10) + "/" + url.PathEscape(exprHash)
	found, err := c.get(ctx, path, &n)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &n, nil
}

// TokenBalance reads the FA1.2 balance of address, zero when the ledger has no
// entry for it.
func (c *Client) TokenBalance(ctx context.Context, token contract.Ref, address string) (*big.Int, error) {
	ledger, err := c.ledger(ctx, token, address)
	if err != nil {
		return nil, err
	}
	return ledger.Balance, nil
}

// TokenAllowance reads how much of address's token balance spender may move.
func (c *Client) TokenAllowance(ctx context.Context, token contract.Ref, spender, address string) (*big.Int, error) {
	ledger, err := c.ledger(ctx, token, address)
	if err != nil {
		return nil, err
	}
	return ledger.AllowanceFor(spender), nil
}

func (c *Client) ledger(ctx context.Context, token contract.Ref, address string) (contract.Ledger, error) {
	packed, err := michelson.PackAddress(address)
	if err != nil {
		return contract.Ledger{}, err
	}
	n, err := c.BigMapValue(ctx, token.MapID, michelson.ExprHash(packed))
	if err != nil {
		return contract.Ledger{}, err
	}
	if n == nil {
		return contract.Ledger{Balance: new(big.Int)}, nil
	}
	return contract.DecodeLedger(*n)
}

// Ping reads the head block header.
func (c *Client) Ping(ctx context.Context) error {
	var header struct {
		Level int64 `json:"level"`
	}
	found, err := c.get(ctx, headPath+"/header", &header)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("head header: %w", swaperr.ErrNotFound)
	}
	return nil
}

// get issues a GET and decodes the JSON body into out. It reports found=false
// on 404.
func (c *Client) get(ctx context.Context, path string, out any) (bool, error) {
	target := c.baseURL + path
	if err := c.limiter.Wait(ctx); err != nil {
		return false, &swaperr.RPCError{Method: http.MethodGet, URL: target, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, &swaperr.RPCError{Method: http.MethodGet, URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.IncQuery("node", "error")
		c.log.Warn().Err(err).Str("url", target).Msg("node request failed")
		return false, &swaperr.RPCError{Method: http.MethodGet, URL: target, Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("node request")

	if resp.StatusCode == http.StatusNotFound {
		c.metrics.IncQuery("node", "not_found")
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.IncQuery("node", "error")
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return false, &swaperr.RPCError{
			Method:     http.MethodGet,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.metrics.IncQuery("node", "error")
		return false, fmt.Errorf("%s: %w: %v", path, swaperr.ErrDecode, err)
	}
	c.metrics.IncQuery("node", "ok")
	return true, nil
}
