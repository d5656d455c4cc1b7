package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Divergence reports one stock key whose live projection differs from a
// full replay of the log.
type Divergence struct {
	Key      StockKey
	Live     decimal.Decimal
	Replayed decimal.Decimal
}

// VerifyIntegrity replays the whole log into a scratch arena and compares
// it against the live projection. An empty result means the incremental
// path has produced exactly the replay-defined state.
func (p *Projector) VerifyIntegrity(ctx context.Context) ([]Divergence, error) {
	fresh := make(map[StockKey]*stockEntry)
	err := Replay(ctx, p.log, func(tx Transaction) error {
		foldInto(fresh, tx, func(*MalformedTransactionError) {})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: integrity replay: %w", err)
	}

	var divergences []Divergence
	seen := make(map[StockKey]bool)
	for _, entry := range p.Snapshot() {
		seen[entry.Key] = true
		replayed := decimal.Zero
		if fresh[entry.Key] != nil {
			replayed = fresh[entry.Key].Quantity
		}
		if !entry.Quantity.Equal(replayed) {
			divergences = append(divergences, Divergence{Key: entry.Key, Live: entry.Quantity, Replayed: replayed})
		}
	}
	for key, entry := range fresh {
		if !seen[key] && !entry.Quantity.IsZero() {
			divergences = append(divergences, Divergence{Key: key, Live: decimal.Zero, Replayed: entry.Quantity})
		}
	}
	return divergences, nil
}
