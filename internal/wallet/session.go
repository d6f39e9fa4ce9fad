// Package wallet hands signed operation batches to the account's signer.
package wallet

import (
	"context"
	"encoding/json"
)

// Session is a connected signer able to sign and inject an operation batch.
type Session interface {
	RequestOperation(ctx context.Context, req OperationRequest) (OperationResponse, error)
}

const KindTransaction = "transaction"

// OperationRequest is one batch; the signer injects it as a single group.
type OperationRequest struct {
	OperationDetails []TransactionDetails `json:"operationDetails"`
}

type TransactionDetails struct {
	Kind        string     `json:"kind"`
	Amount      string     `json:"amount"`
	Destination string     `json:"destination"`
	Source      string     `json:"source,omitempty"`
	Parameters  Parameters `json:"parameters"`
}

// Parameters carries the entrypoint argument as Micheline JSON.
type Parameters struct {
	Entrypoint string          `json:"entrypoint"`
	Value      json.RawMessage `json:"value"`
}

// OperationResponse carries the group hash exactly as the signer printed it.
type OperationResponse struct {
	TransactionHash string `json:"transactionHash"`
}
