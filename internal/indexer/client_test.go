package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tzswap/internal/contract"
	"tzswap/internal/swaperr"
)

const (
	testAccount = "tz1KjMn6Hb23eu1rNemou6ytAzzNxzvaYHyK"
	testSwapKT1 = "KT18g6ejmStajqDwZZ5ZwTfu1ZKzhYq5RboW"
	testEthAddr = "0x0000000000000000000000000000000000000011"
	accountHex  = "0000" + "0102030405060708090a0b0c0d0e0f1011121314"
	contractHex = "01" + "0102030405060708090a0b0c0d0e0f1011121314" + "00"
)

var swapRef = contract.Ref{Address: testSwapKT1, MapID: 17}

// fakeConseil serves canned rows per entity and a scripted head level.
type fakeConseil struct {
	mu        sync.Mutex
	rows      map[string]any
	statusFor func(call int) any
	head      func(call int) int64
	queries   []Query
	opCalls   int
	headCalls int
}

func (f *fakeConseil) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("apiKey") != "secret-key" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	prefix := "/v2/data/tezos/ghostnet/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	entity := strings.TrimPrefix(r.URL.Path, prefix)

	if entity == "blocks/head" {
		f.headCalls++
		level := int64(100)
		if f.head != nil {
			level = f.head(f.headCalls)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"level": level, "hash": "BLhead"})
		return
	}

	var q Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.queries = append(f.queries, q)

	if entity == "operations" && f.statusFor != nil && q.Predicates[0].Field == "operation_group_hash" {
		f.opCalls++
		_ = json.NewEncoder(w).Encode(f.statusFor(f.opCalls))
		return
	}
	rows, ok := f.rows[entity]
	if !ok {
		rows = []any{}
	}
	_ = json.NewEncoder(w).Encode(rows)
}

func newTestClient(t *testing.T, fake *fakeConseil) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		URL:     srv.URL,
		Network: "ghostnet",
		APIKey:  "secret-key",
		Poll:    PollConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func hashOf(b byte) common.Hash {
	var h common.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func swapText(hs common.Hash, participantHex string, refund int64, state int, value int64) string {
	return "{ Pair 0x" + common.Bytes2Hex(hs.Bytes()) + " (Pair 0x" + accountHex + ` "` + testEthAddr + `") ; Pair 0x` +
		participantHex + " " + itoa(refund) + " ; " + itoa(int64(state)) + " ; " + itoa(value) + " }"
}

func itoa(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func TestListSwaps(t *testing.T) {
	first := swapText(hashOf(0x11), accountHex, 1700000000, 1, 500)
	second := swapText(hashOf(0x22), contractHex, 1800000000, 2, 900)
	fake := &fakeConseil{rows: map[string]any{
		"big_map_contents": []map[string]any{
			{"key": "0x22", "key_hash": "exprB", "operation_group_id": "oo2", "big_map_id": 17, "value": second},
			{"key": "0x11", "key_hash": "exprA", "operation_group_id": "oo1", "big_map_id": 17, "value": first},
			{"key": "0x00", "key_hash": "exprC", "operation_group_id": "oo3", "big_map_id": 17, "value": nil},
		},
	}}
	c := newTestClient(t, fake)

	swaps, err := c.ListSwaps(t.Context(), swapRef)
	require.NoError(t, err)
	require.Len(t, swaps, 2)
	require.Equal(t, hashOf(0x22), swaps[0].HashedSecret)
	require.Equal(t, testSwapKT1, swaps[0].Participant)
	require.Equal(t, contract.StateImplementing, swaps[0].State)
	require.True(t, swaps[1].Waiting())
	require.Equal(t, int64(500), swaps[1].Value.Int64())

	q := fake.queries[0]
	require.Equal(t, DefaultLimit, q.Limit)
	require.Equal(t, []Order{{Field: "key", Direction: SortDesc}}, q.OrderBy)
	require.Equal(t, "big_map_id", q.Predicates[0].Field)
	require.Equal(t, []any{"17"}, q.Predicates[0].Set)
	require.True(t, q.Predicates[1].Inverse)
	require.Equal(t, OpIsNull, q.Predicates[1].Operation)
}

func TestListSwapsFailsOnMalformedEntry(t *testing.T) {
	fake := &fakeConseil{rows: map[string]any{
		"big_map_contents": []map[string]any{{"key": "0x11", "value": "{ 1 ; 2 }"}},
	}}
	c := newTestClient(t, fake)

	_, err := c.ListSwaps(t.Context(), swapRef)
	require.ErrorIs(t, err, swaperr.ErrDecode)
}

func TestFindRedeemedSecret(t *testing.T) {
	target := hashOf(0x33)
	fake := &fakeConseil{rows: map[string]any{
		"operations": []map[string]any{
			{"timestamp": 1700000300000, "source": testAccount, "parameters_entrypoints": "redeem", "parameters": "garbage ("},
			{"timestamp": 1700000200000, "source": testAccount, "parameters_entrypoints": "redeem",
				"parameters": "Pair 0x" + common.Bytes2Hex(hashOf(0x44).Bytes()) + " 0x0404"},
			{"timestamp": 1700000100000, "source": testAccount, "parameters_entrypoints": "redeem",
				"parameters": "Pair 0x" + common.Bytes2Hex(target.Bytes()) + " 0xc0ffee"},
		},
	}}
	c := newTestClient(t, fake)

	secret, err := c.FindRedeemedSecret(t.Context(), swapRef, target)
	require.NoError(t, err)
	require.Equal(t, "0xc0ffee", secret.String())

	q := fake.queries[0]
	require.Equal(t, []Order{{Field: "timestamp", Direction: SortDesc}}, q.OrderBy)
	require.Equal(t, DefaultLimit, q.Limit)
	fields := map[string]Predicate{}
	for _, p := range q.Predicates {
		fields[p.Field] = p
	}
	require.Equal(t, OpAfter, fields["timestamp"].Operation)
	require.EqualValues(t, RedeemSearchStart, fields["timestamp"].Set[0])
	require.Equal(t, []any{testSwapKT1}, fields["destination"].Set)
	require.Equal(t, []any{"redeem"}, fields["parameters_entrypoints"].Set)
	require.Equal(t, []any{"applied"}, fields["status"].Set)

	secret, err = c.FindRedeemedSecret(t.Context(), swapRef, hashOf(0x99))
	require.NoError(t, err)
	require.Nil(t, secret)
}

func TestAwaitConfirmationWaitsForDepth(t *testing.T) {
	var polls atomic.Int32
	fake := &fakeConseil{
		statusFor: func(call int) any {
			polls.Add(1)
			if call == 1 {
				return []any{}
			}
			return []map[string]any{
				{"operation_group_hash": "ooG", "kind": "transaction", "status": "applied", "block_level": 100, "block_hash": "BL1"},
				{"operation_group_hash": "ooG", "kind": "transaction", "status": "applied", "block_level": 100, "block_hash": "BL1"},
			}
		},
		head: func(call int) int64 { return 99 + int64(call) },
	}
	c := newTestClient(t, fake)

	st, err := c.AwaitConfirmation(t.Context(), "ooG", 2)
	require.NoError(t, err)
	require.True(t, st.Applied())
	require.Equal(t, int64(100), st.BlockLevel)
	require.Equal(t, 2, st.Operations)
	require.Equal(t, int64(2), st.Confirmations)
	require.Equal(t, int32(3), polls.Load())
}

func TestAwaitConfirmationReturnsRejectedStatus(t *testing.T) {
	fake := &fakeConseil{
		statusFor: func(int) any {
			return []map[string]any{
				{"operation_group_hash": "ooG", "status": "applied", "block_level": 100},
				{"operation_group_hash": "ooG", "status": "backtracked", "block_level": 100},
			}
		},
	}
	c := newTestClient(t, fake)

	st, err := c.AwaitConfirmation(t.Context(), "ooG", 2)
	require.NoError(t, err)
	require.False(t, st.Applied())
	require.Equal(t, "backtracked", st.Status)
}

func TestAwaitConfirmationTimesOut(t *testing.T) {
	fake := &fakeConseil{statusFor: func(int) any { return []any{} }}
	c := newTestClient(t, fake)

	_, err := c.AwaitConfirmation(t.Context(), "ooMissing", 2)
	require.ErrorIs(t, err, swaperr.ErrConfirmationTimeout)
	require.Equal(t, 5, fake.opCalls)
}

func TestAwaitConfirmationHonoursCancellation(t *testing.T) {
	fake := &fakeConseil{statusFor: func(int) any { return []any{} }}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c, err := NewClient(Config{
		URL: srv.URL, Network: "ghostnet", APIKey: "secret-key",
		Poll:   PollConfig{MaxAttempts: 100, InitialBackoff: time.Hour},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = c.AwaitConfirmation(ctx, "ooG", 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitConfirmationKeepsCappedBackoff(t *testing.T) {
	fake := &fakeConseil{statusFor: func(int) any { return []any{} }}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c, err := NewClient(Config{
		URL: srv.URL, Network: "ghostnet", APIKey: "secret-key",
		Poll: PollConfig{
			MaxAttempts:       60,
			InitialBackoff:    10 * time.Second,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.AwaitConfirmation(t.Context(), "ooMissing", 2)
	require.ErrorIs(t, err, swaperr.ErrConfirmationTimeout)
	require.GreaterOrEqual(t, time.Since(start), 59*5*time.Millisecond)
	require.Equal(t, 60, fake.opCalls)
}

func TestBackoffGrowth(t *testing.T) {
	capped := PollConfig{MaxBackoff: time.Minute, BackoffMultiplier: 2}
	d := 10 * time.Second
	for range 100 {
		d = capped.next(d)
		require.Positive(t, d)
		require.LessOrEqual(t, d, time.Minute)
	}
	require.Equal(t, time.Minute, d)

	uncapped := PollConfig{BackoffMultiplier: 2}
	d = 10 * time.Second
	for range 100 {
		d = uncapped.next(d)
		require.Positive(t, d)
	}

	require.Equal(t, time.Second, PollConfig{BackoffMultiplier: 1}.next(time.Second))
	require.Equal(t, time.Second, PollConfig{MaxBackoff: time.Second}.clamp(time.Hour))
}

func TestIndexerErrorsAreRPCErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-key", r.Header.Get("apiKey"))
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c, err := NewClient(Config{URL: srv.URL, Network: "ghostnet", APIKey: "secret-key", Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = c.ListSwaps(t.Context(), swapRef)
	require.ErrorIs(t, err, swaperr.ErrRPC)
	require.ErrorIs(t, c.Ping(t.Context()), swaperr.ErrRPC)
}

func TestHead(t *testing.T) {
	c := newTestClient(t, &fakeConseil{head: func(int) int64 { return 4242 }})
	head, err := c.Head(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(4242), head.Level)
	require.NoError(t, c.Ping(t.Context()))
}
