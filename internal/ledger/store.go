package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/scheduled-ledger/internal/clock"
)

// Store holds every transaction by id plus the pending and completed bucket indexes.
// Like Accounts it relies on the Service for synchronisation.
type Store struct {
	txs       map[string]*Transaction
	pending   map[clock.Key]map[string]*Transaction
	completed map[clock.Key]map[string]*Transaction
	newID     func() (string, error)
}

// NewStore creates an empty store that assigns UUIDv7 ids.
func NewStore() *Store {
	return &Store{
		txs:       make(map[string]*Transaction),
		pending:   make(map[clock.Key]map[string]*Transaction),
		completed: make(map[clock.Key]map[string]*Transaction),
		newID:     newTransactionID,
	}
}

func newTransactionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRecord builds a PENDING transaction with a fresh id. It does not insert it.
func (s *Store) NewRecord(scheduledAt time.Time, typ TransactionType, creditID, debitID string, amount decimal.Decimal, now time.Time) (*Transaction, error) {
	key, err := clock.KeyOf(scheduledAt)
	if err != nil {
		return nil, &ValidationError{Field: "scheduled_time", Err: err}
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate transaction id: %w", err)
	}

	return &Transaction{
		ID:              id,
		ScheduledAt:     scheduledAt.UTC(),
		Type:            typ,
		CreditAccountID: creditID,
		DebitAccountID:  debitID,
		Amount:          amount,
		Status:          StatusPending,
		BucketKey:       key,
		CreatedAt:       now,
	}, nil
}

// Insert adds a transaction to the table and to the index matching its status.
func (s *Store) Insert(tx *Transaction) {
	cp := tx.clone()
	s.txs[cp.ID] = &cp
	switch cp.Status {
	case StatusPending:
		addToIndex(s.pending, &cp)
	case StatusCompleted:
		addToIndex(s.completed, &cp)
	}
}

// Restore replaces the store contents with persisted records. The pending index is
// derived from the records whose status is PENDING.
func (s *Store) Restore(txs []Transaction) {
	s.txs = make(map[string]*Transaction, len(txs))
	s.pending = make(map[clock.Key]map[string]*Transaction)
	s.completed = make(map[clock.Key]map[string]*Transaction)
	for i := range txs {
		s.Insert(&txs[i])
	}
}

// MarkCompleted flips a pending transaction to COMPLETED, removes it from the pending
// index and adds it to the completed index.
func (s *Store) MarkCompleted(id string, at time.Time) error {
	tx, err := s.transition(id, StatusCompleted, "", at)
	if err != nil {
		return err
	}
	addToIndex(s.completed, tx)
	return nil
}

// MarkRejected flips a pending transaction to REJECTED and removes it from the pending
// index.
func (s *Store) MarkRejected(id, reason string, at time.Time) error {
	_, err := s.transition(id, StatusRejected, reason, at)
	return err
}

func (s *Store) transition(id string, to TransactionStatus, reason string, at time.Time) (*Transaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !IsValidTransition(tx.Status, to) {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, tx.Status)
	}

	executedAt := at
	tx.Status = to
	tx.StatusReason = reason
	tx.ExecutedAt = &executedAt

	if bucket, ok := s.pending[tx.BucketKey]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(s.pending, tx.BucketKey)
		}
	}
	return tx, nil
}

// Get returns a copy of the transaction and whether it exists.
func (s *Store) Get(id string) (Transaction, bool) {
	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, false
	}
	return tx.clone(), true
}

// PendingIn returns the pending transactions of one bucket. The map is a copy; the
// values point at the live records.
func (s *Store) PendingIn(key clock.Key) map[string]*Transaction {
	out := make(map[string]*Transaction, len(s.pending[key]))
	for id, tx := range s.pending[key] {
		out[id] = tx
	}
	return out
}

// PendingIDs returns the ids pending in a bucket in creation order.
func (s *Store) PendingIDs(key clock.Key) []string {
	ids := make([]string, 0, len(s.pending[key]))
	for id := range s.pending[key] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingCount returns the number of pending transactions across all buckets.
func (s *Store) PendingCount() int {
	n := 0
	for _, bucket := range s.pending {
		n += len(bucket)
	}
	return n
}

// History returns a copy of the completed index.
func (s *Store) History() map[clock.Key]map[string]Transaction {
	out := make(map[clock.Key]map[string]Transaction, len(s.completed))
	for key, bucket := range s.completed {
		inner := make(map[string]Transaction, len(bucket))
		for id, tx := range bucket {
			inner[id] = tx.clone()
		}
		out[key] = inner
	}
	return out
}

func addToIndex(index map[clock.Key]map[string]*Transaction, tx *Transaction) {
	bucket, ok := index[tx.BucketKey]
	if !ok {
		bucket = make(map[string]*Transaction)
		index[tx.BucketKey] = bucket
	}
	bucket[tx.ID] = tx
}
