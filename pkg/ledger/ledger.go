// Package ledger defines the read-only capabilities the sync core needs from the ledger.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrAccountNotFound is returned by AccountState when the ledger holds no account at the address.
	ErrAccountNotFound = errors.New("account not found")
	// ErrSignatureNotFound is returned by SignatureStatus when the ledger has no status for a transaction.
	ErrSignatureNotFound = errors.New("signature not found")
)

// Commitment is the ledger's confidence that a transaction will not be reverted.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// ParseCommitment validates a configured commitment tier.
func ParseCommitment(s string) (Commitment, error) {
	switch c := Commitment(s); c {
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return c, nil
	default:
		return "", errors.New("invalid commitment: must be one of processed, confirmed, finalized")
	}
}

// SubscriptionID identifies an open log subscription.
type SubscriptionID uint64

// LogBatch is the set of log lines a single transaction emitted, as delivered by the ledger.
type LogBatch struct {
	TxID     string   `json:"txId"`
	Position uint64   `json:"position"`
	Failed   bool     `json:"failed"`
	Err      string   `json:"err,omitempty"`
	Logs     []string `json:"logs"`
}

// SignatureStatus is the confirmation state of a transaction.
type SignatureStatus struct {
	Position   uint64
	Commitment Commitment
	Err        string
}

// TxRef is a transaction identifier with the position it landed at.
type TxRef struct {
	TxID     string
	Position uint64
	Failed   bool
}

// Account is the raw state of an on-chain account.
type Account struct {
	Address string
	Owner   string
	Data    []byte
}

// Client is the ledger capability used by ingestion, finality, backfill and reconciliation.
// Implementations must be safe for concurrent use.
type Client interface {
	// SubscribeLogs opens a log subscription for transactions mentioning program. fn is invoked
	// once per batch, sequentially, in the order the transport delivers them.
	SubscribeLogs(ctx context.Context, program string, commitment Commitment, fn func(LogBatch)) (SubscriptionID, error)
	UnsubscribeLogs(ctx context.Context, id SubscriptionID) error

	CurrentPosition(ctx context.Context, commitment Commitment) (uint64, error)
	SignatureStatus(ctx context.Context, txID string) (SignatureStatus, error)

	// TransactionsForAddress lists transactions touching address with from <= position <= to.
	TransactionsForAddress(ctx context.Context, address string, from, to uint64) ([]TxRef, error)
	TransactionLogs(ctx context.Context, txID string) (LogBatch, error)

	// AccountState returns ErrAccountNotFound when the account does not exist.
	AccountState(ctx context.Context, address string) (Account, error)
}
