package wallet

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest() OperationRequest {
	return OperationRequest{OperationDetails: []TransactionDetails{{
		Kind:        KindTransaction,
		Amount:      "1000",
		Destination: "KT18g6ejmStajqDwZZ5ZwTfu1ZKzhYq5RboW",
		Source:      "tz1KjMn6Hb23eu1rNemou6ytAzzNxzvaYHyK",
		Parameters: Parameters{
			Entrypoint: "refund",
			Value:      json.RawMessage(`{"bytes":"abcd"}`),
		},
	}}}
}

func TestHTTPSessionPostsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req OperationRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.OperationDetails, 1)
		assert.Equal(t, "refund", req.OperationDetails[0].Parameters.Entrypoint)
		assert.JSONEq(t, `{"bytes":"abcd"}`, string(req.OperationDetails[0].Parameters.Value))
		_, _ = w.Write([]byte(`{"transactionHash":"\"ooHash\"\n"}`))
	}))
	defer srv.Close()

	s, err := NewHTTPSession(HTTPSessionConfig{URL: srv.URL, Token: "tok"})
	require.NoError(t, err)
	resp, err := s.RequestOperation(t.Context(), sampleRequest())
	require.NoError(t, err)
	require.Equal(t, "\"ooHash\"\n", resp.TransactionHash)
}

func TestHTTPSessionSurfacesSignerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "user declined", http.StatusBadRequest)
	}))
	defer srv.Close()

	s, err := NewHTTPSession(HTTPSessionConfig{URL: srv.URL})
	require.NoError(t, err)
	_, err = s.RequestOperation(t.Context(), sampleRequest())
	require.ErrorContains(t, err, "user declined")

	_, err = s.RequestOperation(t.Context(), OperationRequest{})
	require.Error(t, err)

	_, err = NewHTTPSession(HTTPSessionConfig{})
	require.Error(t, err)
}

func TestFakeSessionHashes(t *testing.T) {
	f := &FakeSession{}
	first, err := f.RequestOperation(t.Context(), sampleRequest())
	require.NoError(t, err)
	second, err := f.RequestOperation(t.Context(), sampleRequest())
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(first.TransactionHash, "o"))
	require.Len(t, first.TransactionHash, 51)
	require.NotEqual(t, first.TransactionHash, second.TransactionHash)
	require.Len(t, f.Requests(), 2)

	f.SetErr(errors.New("offline"))
	_, err = f.RequestOperation(t.Context(), sampleRequest())
	require.ErrorContains(t, err, "offline")
	require.Len(t, f.Requests(), 2)
}

func TestFakeSessionErrTogglesUnderConcurrentUse(t *testing.T) {
	f := &FakeSession{}
	offline := errors.New("offline")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := f.RequestOperation(t.Context(), sampleRequest())
				if err != nil && !errors.Is(err, offline) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			f.SetErr(offline)
			f.SetErr(nil)
		}
	}()
	wg.Wait()

	f.SetErr(offline)
	before := len(f.Requests())
	_, err := f.RequestOperation(t.Context(), sampleRequest())
	require.ErrorIs(t, err, offline)
	require.Len(t, f.Requests(), before)

	f.SetErr(nil)
	_, err = f.RequestOperation(t.Context(), sampleRequest())
	require.NoError(t, err)
	require.Len(t, f.Requests(), before+1)
}
