package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockpile-erp/stockpile/internal/observability"
)

// shardCount spreads the per-key locks. Transfers touch exactly two keys,
// every other transaction type touches one.
const shardCount = 32

// stockEntry is the internal projected state for one (product, location)
// pair. Entries at exactly zero are retained so replay stays the single
// correctness definition; the query layer filters them out.
type stockEntry struct {
	Quantity   decimal.Decimal
	BatchCode  string
	ExpiryDate *time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[StockKey]*stockEntry
}

// ProjectionStore receives write-through snapshots of projected entries.
type ProjectionStore interface {
	UpsertLevel(ctx context.Context, key StockKey, qty decimal.Decimal, batchCode string, expiry *time.Time) error
	SaveCursor(ctx context.Context, seq int64) error
}

// AsOfMarker publishes the projection cursor so readers can observe
// staleness under asynchronous materialization.
type AsOfMarker interface {
	Publish(ctx context.Context, seq int64) error
}

// Projector folds the transaction log into the stock projection. The
// in-memory arena is the only mutable shared state and is guarded by
// sharded per-key locks; the cursor makes incremental application
// exactly-once (re-applying an already-applied sequence is a no-op).
type Projector struct {
	log     TransactionLog
	logger  *slog.Logger
	metrics *observability.Metrics
	store   ProjectionStore
	marker  AsOfMarker

	shards [shardCount]shard

	// foldMu serializes every mutation of the arena and cursor: incremental
	// applies, catch-up pages and full rebuilds. Readers go through the
	// shard RW locks and never take it.
	foldMu      sync.Mutex
	lastApplied atomic.Int64
	// pending holds sequences folded ahead of the cursor. Sync-mode commits
	// race each other, so seq N+1 can arrive before seq N; the cursor only
	// advances over the contiguous prefix.
	pending map[int64]struct{}
}

// ProjectorConfig groups optional collaborators.
type ProjectorConfig struct {
	Store   ProjectionStore
	Marker  AsOfMarker
	Metrics *observability.Metrics
}

// NewProjector builds a Projector over the given log.
func NewProjector(log TransactionLog, logger *slog.Logger, cfg ProjectorConfig) *Projector {
	p := &Projector{
		log:     log,
		logger:  logger,
		metrics: cfg.Metrics,
		store:   cfg.Store,
		marker:  cfg.Marker,
		pending: make(map[int64]struct{}),
	}
	for i := range p.shards {
		p.shards[i].entries = make(map[StockKey]*stockEntry)
	}
	return p
}

func shardIndex(key StockKey) int {
	h := uint64(key.ProductID)*31 + uint64(key.LocationID)
	return int(h % shardCount)
}

func (p *Projector) shardFor(key StockKey) *shard {
	return &p.shards[shardIndex(key)]
}

// Rebuild replays the whole log from an empty projection. This is the
// correctness-defining operation; incremental application must match it.
// It excludes concurrent applies for its whole duration so no fold lands
// between the replay read and the arena swap.
func (p *Projector) Rebuild(ctx context.Context) error {
	p.foldMu.Lock()
	defer p.foldMu.Unlock()

	fresh := make(map[StockKey]*stockEntry)
	var lastSeq int64
	err := Replay(ctx, p.log, func(tx Transaction) error {
		foldInto(fresh, tx, p.onMalformed)
		lastSeq = tx.Seq
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: rebuild: %w", err)
	}

	sharded := make([]map[StockKey]*stockEntry, shardCount)
	for i := range sharded {
		sharded[i] = make(map[StockKey]*stockEntry)
	}
	for key, entry := range fresh {
		sharded[shardIndex(key)][key] = entry
	}
	for i := range p.shards {
		p.shards[i].mu.Lock()
		p.shards[i].entries = sharded[i]
		p.shards[i].mu.Unlock()
	}
	p.pending = make(map[int64]struct{})
	p.lastApplied.Store(lastSeq)
	p.publish(ctx, lastSeq)
	if p.logger != nil {
		p.logger.Info("projection rebuilt", slog.Int64("as_of", lastSeq), slog.Int("keys", len(fresh)))
	}
	return nil
}

// Apply folds a single just-appended transaction exactly once. Sequences at
// or below the cursor, or already folded ahead of it, are skipped; a
// sequence arriving before its predecessors is folded immediately and the
// cursor catches up once the gap closes.
func (p *Projector) Apply(ctx context.Context, tx Transaction) {
	p.foldMu.Lock()
	if p.seen(tx.Seq) {
		p.foldMu.Unlock()
		return
	}
	keys := p.fold(tx)
	p.markApplied(tx.Seq)
	p.foldMu.Unlock()

	p.metrics.ProjectionApplied(tx.Seq)
	p.publish(ctx, p.lastApplied.Load())
	p.writeThrough(ctx, keys)
}

// seen reports whether the sequence has already been folded. Caller holds
// foldMu.
func (p *Projector) seen(seq int64) bool {
	if seq == 0 {
		return false
	}
	if seq <= p.lastApplied.Load() {
		return true
	}
	_, ok := p.pending[seq]
	return ok
}

// markApplied records a folded sequence and advances the cursor over the
// contiguous prefix. Caller holds foldMu.
func (p *Projector) markApplied(seq int64) {
	if seq == 0 {
		return
	}
	p.pending[seq] = struct{}{}
	cursor := p.lastApplied.Load()
	for {
		if _, ok := p.pending[cursor+1]; !ok {
			break
		}
		cursor++
		delete(p.pending, cursor)
	}
	p.lastApplied.Store(cursor)
}

// CatchUp folds every transaction past the cursor. It is the incremental
// path of the asynchronous mode and is safely retriable.
func (p *Projector) CatchUp(ctx context.Context) error {
	for {
		cursor := p.lastApplied.Load()
		page, err := p.log.ListAfter(ctx, cursor, replayPageSize)
		if err != nil {
			return fmt.Errorf("ledger: catch up: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, tx := range page {
			p.Apply(ctx, tx)
		}
		// No cursor movement means the page held only sequences folded
		// ahead of a gap that is not visible in the log yet.
		if p.lastApplied.Load() == cursor {
			return nil
		}
	}
}

// AsOf returns the cursor: every sequence at or below it has been folded.
func (p *Projector) AsOf() int64 {
	return p.lastApplied.Load()
}

// Quantity returns the projected quantity for a key, zero when unseen.
func (p *Projector) Quantity(key StockKey) decimal.Decimal {
	s := p.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.entries[key]; ok {
		return entry.Quantity
	}
	return decimal.Zero
}

// ProjectedEntry is one arena entry copied out for querying.
type ProjectedEntry struct {
	Key        StockKey
	Quantity   decimal.Decimal
	BatchCode  string
	ExpiryDate *time.Time
}

// Snapshot copies the whole arena, zero-quantity entries included.
func (p *Projector) Snapshot() []ProjectedEntry {
	var out []ProjectedEntry
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.RLock()
		for key, entry := range s.entries {
			out = append(out, ProjectedEntry{
				Key:        key,
				Quantity:   entry.Quantity,
				BatchCode:  entry.BatchCode,
				ExpiryDate: entry.ExpiryDate,
			})
		}
		s.mu.RUnlock()
	}
	return out
}

// fold applies one transaction to the live arena and returns affected keys.
func (p *Projector) fold(tx Transaction) []StockKey {
	var keys []StockKey
	visit(tx, p.onMalformed, func(key StockKey, delta decimal.Decimal, batch string, expiry *time.Time, setBatch bool) {
		s := p.shardFor(key)
		s.mu.Lock()
		applyDelta(s.entries, key, delta, batch, expiry, setBatch)
		s.mu.Unlock()
		keys = append(keys, key)
	})
	return keys
}

func (p *Projector) publish(ctx context.Context, seq int64) {
	if p.marker == nil {
		return
	}
	if err := p.marker.Publish(ctx, seq); err != nil && p.logger != nil {
		p.logger.Warn("publish projection marker", slog.Any("error", err))
	}
}

func (p *Projector) writeThrough(ctx context.Context, keys []StockKey) {
	if p.store == nil {
		return
	}
	for _, key := range keys {
		s := p.shardFor(key)
		s.mu.RLock()
		entry, ok := s.entries[key]
		var qty decimal.Decimal
		var batch string
		var expiry *time.Time
		if ok {
			qty, batch, expiry = entry.Quantity, entry.BatchCode, entry.ExpiryDate
		}
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if err := p.store.UpsertLevel(ctx, key, qty, batch, expiry); err != nil && p.logger != nil {
			p.logger.Warn("stock level write-through", slog.Any("error", err))
		}
	}
	if err := p.store.SaveCursor(ctx, p.lastApplied.Load()); err != nil && p.logger != nil {
		p.logger.Warn("save projection cursor", slog.Any("error", err))
	}
}

func (p *Projector) onMalformed(err *MalformedTransactionError) {
	p.metrics.MalformedSkipped()
	if p.logger != nil {
		p.logger.Warn("skipping malformed transaction",
			slog.Int64("seq", err.Seq), slog.String("detail", err.Detail))
	}
}

// foldInto applies one transaction to a plain map, used by full replay and
// by integrity checks over a scratch arena.
func foldInto(entries map[StockKey]*stockEntry, tx Transaction, onMalformed func(*MalformedTransactionError)) {
	visit(tx, onMalformed, func(key StockKey, delta decimal.Decimal, batch string, expiry *time.Time, setBatch bool) {
		applyDelta(entries, key, delta, batch, expiry, setBatch)
	})
}

// visit decomposes a transaction into per-key deltas. Non-completed and
// unknown-type transactions are ignored; malformed ones are reported and
// skipped so one bad entry cannot corrupt unrelated projections.
func visit(tx Transaction, onMalformed func(*MalformedTransactionError), apply func(key StockKey, delta decimal.Decimal, batch string, expiry *time.Time, setBatch bool)) {
	if tx.Status != StatusCompleted {
		return
	}
	switch tx.Type {
	case TypeTransfer, TypeProduction, TypeConsumption, TypeAdjustment:
	default:
		return
	}
	if len(tx.Lines) == 0 {
		onMalformed(&MalformedTransactionError{Seq: tx.Seq, Detail: "no lines"})
		return
	}
	// The details must match the declared type; a mismatch is malformed
	// even when the details would be valid for some other type.
	switch tx.Type {
	case TypeTransfer:
		details, ok := tx.Details.(TransferDetails)
		if !ok {
			onMalformed(&MalformedTransactionError{Seq: tx.Seq, Detail: fmt.Sprintf("wrong details for type %s", tx.Type)})
			return
		}
		for _, line := range tx.Lines {
			// Decrement applies even to a never-seen source, driving the
			// quantity negative. Deliberate: mirrors the permissive
			// consumption policy.
			apply(StockKey{ProductID: line.ProductID, LocationID: details.FromLocationID}, line.Quantity.Neg(), "", nil, false)
			apply(StockKey{ProductID: line.ProductID, LocationID: details.ToLocationID}, line.Quantity, details.BatchCode, details.ExpiryDate, true)
		}
	case TypeProduction:
		details, ok := tx.Details.(ProductionDetails)
		if !ok {
			onMalformed(&MalformedTransactionError{Seq: tx.Seq, Detail: fmt.Sprintf("wrong details for type %s", tx.Type)})
			return
		}
		for _, line := range tx.Lines {
			apply(StockKey{ProductID: line.ProductID, LocationID: details.LocationID}, line.Quantity, details.BatchCode, details.ExpiryDate, true)
		}
	case TypeConsumption:
		details, ok := tx.Details.(ConsumptionDetails)
		if !ok {
			onMalformed(&MalformedTransactionError{Seq: tx.Seq, Detail: fmt.Sprintf("wrong details for type %s", tx.Type)})
			return
		}
		for _, line := range tx.Lines {
			apply(StockKey{ProductID: line.ProductID, LocationID: details.LocationID}, line.Quantity.Neg(), "", nil, false)
		}
	case TypeAdjustment:
		details, ok := tx.Details.(AdjustmentDetails)
		if !ok {
			onMalformed(&MalformedTransactionError{Seq: tx.Seq, Detail: fmt.Sprintf("wrong details for type %s", tx.Type)})
			return
		}
		for _, line := range tx.Lines {
			apply(StockKey{ProductID: line.ProductID, LocationID: details.LocationID}, line.Quantity, "", nil, false)
		}
	}
}

func applyDelta(entries map[StockKey]*stockEntry, key StockKey, delta decimal.Decimal, batch string, expiry *time.Time, setBatch bool) {
	entry, ok := entries[key]
	if !ok {
		entry = &stockEntry{Quantity: decimal.Zero}
		entries[key] = entry
	}
	entry.Quantity = entry.Quantity.Add(delta)
	if setBatch {
		entry.BatchCode = batch
		entry.ExpiryDate = expiry
	}
}
