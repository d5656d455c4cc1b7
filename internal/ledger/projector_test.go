package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func qty(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func completedTx(details Details, lines ...TransactionLine) Transaction {
	return Transaction{
		Type:     details.transactionType(),
		Status:   StatusCompleted,
		PostedAt: time.Now().UTC(),
		Details:  details,
		Lines:    lines,
	}
}

func line(productID int64, quantity string) TransactionLine {
	return TransactionLine{ProductID: productID, Quantity: qty(quantity), UnitCost: qty("1")}
}

func mustAppend(t *testing.T, log *MemoryLog, tx Transaction) Transaction {
	t.Helper()
	appended, err := log.Append(context.Background(), tx)
	require.NoError(t, err)
	return appended
}

func TestProjectorFoldRules(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	expiry := time.Now().UTC().AddDate(0, 0, 2)
	mustAppend(t, log, completedTx(ProductionDetails{LocationID: 1, BatchCode: "B1", ExpiryDate: &expiry}, line(10, "100")))
	mustAppend(t, log, completedTx(TransferDetails{FromLocationID: 1, ToLocationID: 2, BatchCode: "B1", ExpiryDate: &expiry}, line(10, "40")))
	mustAppend(t, log, completedTx(ConsumptionDetails{LocationID: 2, SaleReference: "POS-1"}, line(10, "15")))
	mustAppend(t, log, completedTx(AdjustmentDetails{LocationID: 2, Reason: ReasonDamage}, line(10, "-5")))

	p := NewProjector(log, nil, ProjectorConfig{})
	require.NoError(t, p.Rebuild(ctx))

	require.True(t, p.Quantity(StockKey{ProductID: 10, LocationID: 1}).Equal(qty("60")))
	require.True(t, p.Quantity(StockKey{ProductID: 10, LocationID: 2}).Equal(qty("20")))

	var dest ProjectedEntry
	for _, entry := range p.Snapshot() {
		if entry.Key == (StockKey{ProductID: 10, LocationID: 2}) {
			dest = entry
		}
	}
	require.Equal(t, "B1", dest.BatchCode)
	require.NotNil(t, dest.ExpiryDate)
}

func TestZeroSumTransfers(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	mustAppend(t, log, completedTx(TransferDetails{FromLocationID: 1, ToLocationID: 2}, line(7, "20")))
	mustAppend(t, log, completedTx(TransferDetails{FromLocationID: 2, ToLocationID: 3}, line(7, "8")))
	mustAppend(t, log, completedTx(TransferDetails{FromLocationID: 3, ToLocationID: 1}, line(7, "2.5")))

	p := NewProjector(log, nil, ProjectorConfig{})
	require.NoError(t, p.Rebuild(ctx))

	total := decimal.Zero
	for _, entry := range p.Snapshot() {
		total = total.Add(entry.Quantity)
	}
	require.True(t, total.IsZero(), "transfers must be zero-sum across locations, got %s", total)
}

func TestReplayDeterminism(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	mustAppend(t, log, completedTx(ProductionDetails{LocationID: 1}, line(1, "10"), line(2, "4")))
	mustAppend(t, log, completedTx(TransferDetails{FromLocationID: 1, ToLocationID: 2}, line(1, "3")))
	mustAppend(t, log, completedTx(AdjustmentDetails{LocationID: 2, Reason: ReasonCountCorrection}, line(1, "0.5")))

	first := NewProjector(log, nil, ProjectorConfig{})
	require.NoError(t, first.Rebuild(ctx))
	second := NewProjector(log, nil, ProjectorConfig{})
	require.NoError(t, second.Rebuild(ctx))

	want := snapshotMap(first)
	got := snapshotMap(second)
	require.Equal(t, len(want), len(got))
	for key, entry := range want {
		require.True(t, got[key].Quantity.Equal(entry.Quantity))
		require.Equal(t, entry.BatchCode, got[key].BatchCode)
	}
	require.Equal(t, first.AsOf(), second.AsOf())
}

func TestIncrementalMatchesFullReplay(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	txs := []Transaction{
		completedTx(ProductionDetails{LocationID: 1, BatchCode: "B9"}, line(1, "50")),
		completedTx(TransferDetails{FromLocationID: 1, ToLocationID: 2}, line(1, "12")),
		completedTx(ConsumptionDetails{LocationID: 2, SaleReference: "S1"}, line(1, "5")),
		completedTx(AdjustmentDetails{LocationID: 1, Reason: ReasonTheft}, line(1, "-1")),
	}

	incremental := NewProjector(log, nil, ProjectorConfig{})
	for _, tx := range txs {
		appended := mustAppend(t, log, tx)
		incremental.Apply(ctx, appended)
	}

	full := NewProjector(log, nil, ProjectorConfig{})
	require.NoError(t, full.Rebuild(ctx))

	want := snapshotMap(full)
	got := snapshotMap(incremental)
	require.Equal(t, len(want), len(got))
	for key, entry := range want {
		require.True(t, got[key].Quantity.Equal(entry.Quantity), "key %+v", key)
	}
	require.Equal(t, full.AsOf(), incremental.AsOf())
}

func TestApplyOutOfOrder(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	first := mustAppend(t, log, completedTx(ProductionDetails{LocationID: 1}, line(1, "10")))
	second := mustAppend(t, log, completedTx(ProductionDetails{LocationID: 1}, line(1, "5")))

	// Sync-mode commits race, so a later sequence can reach the projector
	// first. Neither delivery may be dropped.
	p := NewProjector(log, nil, ProjectorConfig{})
	p.Apply(ctx, second)
	require.Zero(t, p.AsOf(), "cursor must not advance past an unapplied gap")
	p.Apply(ctx, first)

	require.True(t, p.Quantity(StockKey{ProductID: 1, LocationID: 1}).Equal(qty("15")))
	require.Equal(t, int64(2), p.AsOf())

	full := NewProjector(log, nil, ProjectorConfig{})
	require.NoError(t, full.Rebuild(ctx))
	require.True(t, full.Quantity(StockKey{ProductID: 1, LocationID: 1}).Equal(p.Quantity(StockKey{ProductID: 1, LocationID: 1})))

	// Redelivery of either sequence stays a no-op.
	p.Apply(ctx, second)
	p.Apply(ctx, first)
	require.True(t, p.Quantity(StockKey{ProductID: 1, LocationID: 1}).Equal(qty("15")))
}

func TestConcurrentApplies(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	var appended []Transaction
	for i := 0; i < 64; i++ {
		appended = append(appended, mustAppend(t, log, completedTx(ProductionDetails{LocationID: 1}, line(1, "1"))))
	}

	p := NewProjector(log, nil, ProjectorConfig{})
	var wg sync.WaitGroup
	for _, tx := range appended {
		wg.Add(1)
		go func(tx Transaction) {
			defer wg.Done()
			p.Apply(ctx, tx)
		}(tx)
	}
	wg.Wait()

	require.True(t, p.Quantity(StockKey{ProductID: 1, LocationID: 1}).Equal(qty("64")))
	require.Equal(t, int64(64), p.AsOf())
}

func TestRebuildDuringConcurrentApply(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	var appended []Transaction
	for i := 0; i < 40; i++ {
		appended = append(appended, mustAppend(t, log, completedTx(ProductionDetails{LocationID: 1}, line(1, "1"))))
	}

	p := NewProjector(log, nil, ProjectorConfig{})
	var wg sync.WaitGroup
	rebuildErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		rebuildErr <- p.Rebuild(ctx)
	}()
	for _, tx := range appended {
		wg.Add(1)
		go func(tx Transaction) {
			defer wg.Done()
			p.Apply(ctx, tx)
		}(tx)
	}
	wg.Wait()
	require.NoError(t, <-rebuildErr)

	// Whatever the interleaving, the arena must equal a full replay.
	divergences, err := p.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Empty(t, divergences)
	require.Equal(t, int64(40), p.AsOf())
}

func TestApplyIsIdempotent(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	appended := mustAppend(t, log, completedTx(ProductionDetails{LocationID: 1}, line(1, "10")))
	p := NewProjector(log, nil, ProjectorConfig{})
	p.Apply(ctx, appended)
	p.Apply(ctx, appended)
	p.Apply(ctx, appended)

	require.True(t, p.Quantity(StockKey{ProductID: 1, LocationID: 1}).Equal(qty("10")))
}

func TestUnknownSourceGoesNegative(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	mustAppend(t, log, completedTx(TransferDetails{FromLocationID: 1, ToLocationID: 2}, line(5, "20")))
	mustAppend(t, log, completedTx(ConsumptionDetails{LocationID: 2, SaleReference: "S9"}, line(5, "5")))

	p := NewProjector(log, nil, ProjectorConfig{})
	require.NoError(t, p.Rebuild(ctx))

	require.True(t, p.Quantity(StockKey{ProductID: 5, LocationID: 1}).Equal(qty("-20")))
	require.True(t, p.Quantity(StockKey{ProductID: 5, LocationID: 2}).Equal(qty("15")))
}

func TestNonCompletedAndUnknownTypesIgnored(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	draft := completedTx(ProductionDetails{LocationID: 1}, line(1, "10"))
	draft.Status = StatusDraft
	mustAppend(t, log, draft)

	other := completedTx(ProductionDetails{LocationID: 1}, line(1, "10"))
	other.Type = "purchase_order"
	mustAppend(t, log, other)

	p := NewProjector(log, nil, ProjectorConfig{})
	require.NoError(t, p.Rebuild(ctx))
	require.True(t, p.Quantity(StockKey{ProductID: 1, LocationID: 1}).IsZero())
}

func TestMalformedTransactionSkipped(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	// Details missing for its declared type: folded as malformed, skipped.
	broken := completedTx(ProductionDetails{LocationID: 1}, line(1, "10"))
	broken.Type = TypeTransfer
	mustAppend(t, log, broken)
	mustAppend(t, log, completedTx(ProductionDetails{LocationID: 2}, line(2, "7")))

	p := NewProjector(log, nil, ProjectorConfig{})
	require.NoError(t, p.Rebuild(ctx))

	require.True(t, p.Quantity(StockKey{ProductID: 1, LocationID: 1}).IsZero())
	require.True(t, p.Quantity(StockKey{ProductID: 2, LocationID: 2}).Equal(qty("7")))
}

func TestVerifyIntegrityDetectsDrift(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	appended := mustAppend(t, log, completedTx(ProductionDetails{LocationID: 1}, line(1, "10")))
	p := NewProjector(log, nil, ProjectorConfig{})
	p.Apply(ctx, appended)

	divergences, err := p.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Empty(t, divergences)

	// A transaction appended behind the projector's back shows up as drift.
	mustAppend(t, log, completedTx(ProductionDetails{LocationID: 1}, line(1, "5")))
	divergences, err = p.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.Len(t, divergences, 1)
	require.True(t, divergences[0].Replayed.Equal(qty("15")))
}

func snapshotMap(p *Projector) map[StockKey]ProjectedEntry {
	out := make(map[StockKey]ProjectedEntry)
	for _, entry := range p.Snapshot() {
		out[entry.Key] = entry
	}
	return out
}
