// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"errors"
	"sync"

	"github.com/ava-labs/ledger-sync/pkg/ledger"
)

// Stub is a scriptable ledger.Client. Unset function fields fall back to simple defaults backed
// by the exported maps. Stub is safe for concurrent use.
type Stub struct {
	mu sync.Mutex

	SubscribeFunc   func(ctx context.Context, program string, commitment ledger.Commitment) (ledger.SubscriptionID, error)
	UnsubscribeFunc func(ctx context.Context, id ledger.SubscriptionID) error
	PositionFunc    func(ctx context.Context, commitment ledger.Commitment) (uint64, error)
	StatusFunc      func(ctx context.Context, txID string) (ledger.SignatureStatus, error)

	// Transactions is returned by TransactionsForAddress, filtered by range.
	Transactions []ledger.TxRef
	// Batches maps txID to the batch returned by TransactionLogs.
	Batches map[string]ledger.LogBatch
	// Accounts maps address to state. Missing addresses return ledger.ErrAccountNotFound.
	Accounts map[string]ledger.Account
	// AccountErr, when set, is returned by AccountState for every address.
	AccountErr error

	callback      func(ledger.LogBatch)
	subscribes    int
	unsubscribes  int
	nextID        ledger.SubscriptionID
	accountReads  map[string]int
	statusQueries []string
}

var _ ledger.Client = (*Stub)(nil)

func (s *Stub) SubscribeLogs(ctx context.Context, program string, commitment ledger.Commitment, fn func(ledger.LogBatch)) (ledger.SubscriptionID, error) {
	s.mu.Lock()
	s.subscribes++
	f := s.SubscribeFunc
	s.mu.Unlock()

	var (
		id  ledger.SubscriptionID
		err error
	)
	if f != nil {
		id, err = f(ctx, program, commitment)
	} else {
		s.mu.Lock()
		s.nextID++
		id = s.nextID
		s.mu.Unlock()
	}
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.callback = fn
	s.mu.Unlock()
	return id, nil
}

func (s *Stub) UnsubscribeLogs(ctx context.Context, id ledger.SubscriptionID) error {
	s.mu.Lock()
	s.unsubscribes++
	s.callback = nil
	f := s.UnsubscribeFunc
	s.mu.Unlock()
	if f != nil {
		return f(ctx, id)
	}
	return nil
}

// Deliver invokes the subscription callback with b. It returns false when no subscription is open.
func (s *Stub) Deliver(b ledger.LogBatch) bool {
	s.mu.Lock()
	fn := s.callback
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(b)
	return true
}

// Subscribes returns how many times SubscribeLogs was called.
func (s *Stub) Subscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

// Unsubscribes returns how many times UnsubscribeLogs was called.
func (s *Stub) Unsubscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribes
}

func (s *Stub) CurrentPosition(ctx context.Context, commitment ledger.Commitment) (uint64, error) {
	if s.PositionFunc != nil {
		return s.PositionFunc(ctx, commitment)
	}
	return 0, nil
}

func (s *Stub) SignatureStatus(ctx context.Context, txID string) (ledger.SignatureStatus, error) {
	s.mu.Lock()
	s.statusQueries = append(s.statusQueries, txID)
	s.mu.Unlock()
	if s.StatusFunc != nil {
		return s.StatusFunc(ctx, txID)
	}
	return ledger.SignatureStatus{}, ledger.ErrSignatureNotFound
}

// StatusQueries returns the transaction identifiers passed to SignatureStatus, in order.
func (s *Stub) StatusQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statusQueries...)
}

func (s *Stub) TransactionsForAddress(_ context.Context, _ string, from, to uint64) ([]ledger.TxRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.TxRef
	for _, tx := range s.Transactions {
		if tx.Position >= from && tx.Position <= to {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *Stub) TransactionLogs(_ context.Context, txID string) (ledger.LogBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.Batches[txID]
	if !ok {
		return ledger.LogBatch{}, errors.New("transaction not found")
	}
	return b, nil
}

func (s *Stub) AccountState(_ context.Context, address string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountReads == nil {
		s.accountReads = make(map[string]int)
	}
	s.accountReads[address]++
	if s.AccountErr != nil {
		return ledger.Account{}, s.AccountErr
	}
	a, ok := s.Accounts[address]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, nil
}

// AccountReads returns how many times AccountState was called for address.
func (s *Stub) AccountReads(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountReads[address]
}

// SetAccount stores or replaces an account.
func (s *Stub) SetAccount(a ledger.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Accounts == nil {
		s.Accounts = make(map[string]ledger.Account)
	}
	s.Accounts[a.Address] = a
}

// DeleteAccount removes an account so AccountState reports it missing.
func (s *Stub) DeleteAccount(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Accounts, address)
}
