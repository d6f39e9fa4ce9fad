// Package swaperr defines the closed set of failure kinds surfaced by the swap
// engine. Callers branch on them with errors.Is and errors.As.
package swaperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a point lookup that returned no value. Read paths map it
	// to an empty or default result instead of failing.
	ErrNotFound = errors.New("not found on chain")
	// ErrRPC marks a transport or node failure other than not-found.
	ErrRPC = errors.New("rpc failure")
	// ErrTransactionRejected marks a submitted batch whose terminal status was
	// not "applied".
	ErrTransactionRejected = errors.New("transaction rejected")
	// ErrConfirmationTimeout marks a submission that did not reach the requested
	// confirmation depth within the poll budget. It may still be pending.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	// ErrDecode marks contract storage whose shape does not match the schema.
	ErrDecode = errors.New("decode error")
)

// RPCError describes a failed request against the node or the indexer.
type RPCError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *RPCError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("rpc %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("rpc %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

func (e *RPCError) Is(target error) bool { return target == ErrRPC }

// DecodeError reports where a decoded tree diverged from the expected shape.
type DecodeError struct {
	Path string
	Want string
	Got  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: want %s, got %s", e.Path, e.Want, e.Got)
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Decodef builds a DecodeError.
func Decodef(path, want, gotFormat string, args ...any) error {
	return &DecodeError{Path: path, Want: want, Got: fmt.Sprintf(gotFormat, args...)}
}

// RejectedError carries the operation group and the status the chain assigned.
type RejectedError struct {
	GroupID string
	Status  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("operation %s not applied: %s", e.GroupID, e.Status)
}

func (e *RejectedError) Is(target error) bool { return target == ErrTransactionRejected }
