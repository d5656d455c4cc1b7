package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TransactionLog is the append-only source of truth. Append is atomic for
// the transaction and all of its lines and assigns the strictly increasing
// sequence; entries are never updated or deleted.
type TransactionLog interface {
	// Append persists the transaction and returns it with Seq and ID assigned.
	Append(ctx context.Context, tx Transaction) (Transaction, error)
	// ListAfter returns up to limit transactions with Seq > afterSeq in
	// sequence order.
	ListAfter(ctx context.Context, afterSeq int64, limit int) ([]Transaction, error)
}

// replayPageSize bounds memory while streaming a full replay.
const replayPageSize = 500

// Replay streams every logged transaction in sequence order through fn.
func Replay(ctx context.Context, log TransactionLog, fn func(Transaction) error) error {
	var cursor int64
	for {
		page, err := log.ListAfter(ctx, cursor, replayPageSize)
		if err != nil {
			return err
		}
		for _, tx := range page {
			if err := fn(tx); err != nil {
				return err
			}
			cursor = tx.Seq
		}
		if len(page) < replayPageSize {
			return nil
		}
	}
}

// MemoryLog is an in-process TransactionLog used by tests and the seed
// tool. Appends are serialized by a mutex so no two transactions share a
// sequence position.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Transaction
	lastSeq int64
}

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.Details == nil {
		return Transaction{}, errors.New("ledger: transaction details required")
	}
	if tx.Type == "" {
		tx.Type = tx.Details.transactionType()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeq++
	tx.Seq = l.lastSeq
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.PostedAt.IsZero() {
		tx.PostedAt = time.Now().UTC()
	}
	l.entries = append(l.entries, tx)
	return tx, nil
}

func (l *MemoryLog) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Transaction
	for _, tx := range l.entries {
		if tx.Seq <= afterSeq {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
