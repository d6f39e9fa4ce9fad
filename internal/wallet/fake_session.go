package wallet

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"

	"golang.org/x/crypto/blake2b"

	"tzswap/internal/michelson"
)

// FakeSession accepts every batch and derives a deterministic group hash from
// its contents. It is used for local runs and tests.
type FakeSession struct {
	mu       sync.Mutex
	requests []OperationRequest
	// Err, when set, is returned instead of accepting the batch. Use SetErr
	// once the session is shared between goroutines.
	Err error
}

// SetErr makes subsequent requests fail with err; nil restores acceptance.
func (f *FakeSession) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

func (f *FakeSession) RequestOperation(_ context.Context, req OperationRequest) (OperationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return OperationResponse{}, f.Err
	}
	if len(req.OperationDetails) == 0 {
		return OperationResponse{}, errors.New("empty operation batch")
	}
	f.requests = append(f.requests, req)

	raw, err := json.Marshal(req)
	if err != nil {
		return OperationResponse{}, err
	}
	raw = binary.BigEndian.AppendUint32(raw, uint32(len(f.requests)))
	sum := blake2b.Sum256(raw)
	return OperationResponse{TransactionHash: michelson.Base58CheckEncode(michelson.PrefixOperation, sum[:])}, nil
}

// Requests returns the batches accepted so far.
func (f *FakeSession) Requests() []OperationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OperationRequest(nil), f.requests...)
}
