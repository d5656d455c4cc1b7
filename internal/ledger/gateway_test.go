package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stockpile-erp/stockpile/internal/catalog"
	"github.com/stockpile-erp/stockpile/internal/shared"
)

func testCatalog() *catalog.StaticReader {
	twoDays := 2
	return catalog.NewStaticReader(
		[]catalog.Product{
			{ID: 1, Code: "CRSNT", Name: "Croissant", Unit: "pcs", StandardCost: qty("1.20"), ShelfLifeDays: &twoDays},
			{ID: 2, Code: "RING-AU", Name: "Gold Ring", Unit: "pcs", StandardCost: qty("450")},
		},
		[]catalog.Location{
			{ID: 1, Code: "BAKERY", Name: "Central Bakery", IsProductionSite: true},
			{ID: 2, Code: "STORE-01", Name: "Downtown Store"},
			{ID: 3, Code: "STORE-02", Name: "Harbor Store"},
		},
	)
}

func testGateway(t *testing.T, policy StockPolicy) (*Gateway, *Projector, *MemoryLog) {
	t.Helper()
	log := NewMemoryLog()
	projector := NewProjector(log, nil, ProjectorConfig{})
	gateway := NewGateway(log, testCatalog(), projector, nil, nil, nil, nil, nil, GatewayConfig{Policy: policy})
	return gateway, projector, log
}

func requireReason(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, reason, verr.Reason)
}

func TestRecordTransferValidation(t *testing.T) {
	gateway, _, _ := testGateway(t, PolicyPermissive)
	ctx := context.Background()

	_, err := gateway.RecordTransfer(ctx, TransferInput{ProductID: 1, FromLocationID: 1, ToLocationID: 2, Quantity: qty("0")})
	requireReason(t, err, ReasonCodeInvalidQuantity)

	_, err = gateway.RecordTransfer(ctx, TransferInput{ProductID: 1, FromLocationID: 2, ToLocationID: 2, Quantity: qty("5")})
	requireReason(t, err, ReasonCodeDuplicateLocation)

	_, err = gateway.RecordTransfer(ctx, TransferInput{ProductID: 99, FromLocationID: 1, ToLocationID: 2, Quantity: qty("5")})
	requireReason(t, err, ReasonCodeUnknownProduct)

	_, err = gateway.RecordTransfer(ctx, TransferInput{ProductID: 1, FromLocationID: 99, ToLocationID: 2, Quantity: qty("5")})
	requireReason(t, err, ReasonCodeUnknownLocation)

	_, err = gateway.RecordTransfer(ctx, TransferInput{ProductID: 1, FromLocationID: 1, ToLocationID: 99, Quantity: qty("5")})
	requireReason(t, err, ReasonCodeUnknownLocation)
}

func TestRecordTransferPermissiveGoesNegative(t *testing.T) {
	gateway, projector, _ := testGateway(t, PolicyPermissive)
	ctx := context.Background()

	tx, err := gateway.RecordTransfer(ctx, TransferInput{ProductID: 1, FromLocationID: 1, ToLocationID: 2, Quantity: qty("20")})
	require.NoError(t, err)
	require.Equal(t, TypeTransfer, tx.Type)
	require.NotZero(t, tx.Seq)

	_, err = gateway.RecordConsumption(ctx, ConsumptionInput{ProductID: 1, LocationID: 2, Quantity: qty("5"), SaleReference: "POS-77"})
	require.NoError(t, err)

	require.True(t, projector.Quantity(StockKey{ProductID: 1, LocationID: 1}).Equal(qty("-20")))
	require.True(t, projector.Quantity(StockKey{ProductID: 1, LocationID: 2}).Equal(qty("15")))
}

func TestRecordTransferStrictPolicy(t *testing.T) {
	gateway, projector, _ := testGateway(t, PolicyStrict)
	ctx := context.Background()

	_, err := gateway.RecordTransfer(ctx, TransferInput{ProductID: 1, FromLocationID: 1, ToLocationID: 2, Quantity: qty("20")})
	requireReason(t, err, ReasonCodeInsufficientStock)

	_, err = gateway.RecordProduction(ctx, ProductionInput{ProductID: 1, LocationID: 1, Quantity: qty("20")})
	require.NoError(t, err)

	_, err = gateway.RecordTransfer(ctx, TransferInput{ProductID: 1, FromLocationID: 1, ToLocationID: 2, Quantity: qty("20")})
	require.NoError(t, err)
	require.True(t, projector.Quantity(StockKey{ProductID: 1, LocationID: 1}).IsZero())
}

func TestRecordProductionValidation(t *testing.T) {
	gateway, _, _ := testGateway(t, PolicyPermissive)
	ctx := context.Background()

	_, err := gateway.RecordProduction(ctx, ProductionInput{ProductID: 1, LocationID: 1, Quantity: qty("-3")})
	requireReason(t, err, ReasonCodeInvalidQuantity)

	_, err = gateway.RecordProduction(ctx, ProductionInput{ProductID: 1, LocationID: 2, Quantity: qty("3")})
	requireReason(t, err, ReasonCodeNotProductionSite)
}

func TestRecordProductionExpiryAndBatch(t *testing.T) {
	gateway, _, log := testGateway(t, PolicyPermissive)
	ctx := context.Background()

	// Shelf life falls back to the product default when not supplied.
	tx, err := gateway.RecordProduction(ctx, ProductionInput{ProductID: 1, LocationID: 1, Quantity: qty("10")})
	require.NoError(t, err)
	details, ok := tx.Details.(ProductionDetails)
	require.True(t, ok)
	require.NotNil(t, details.ExpiryDate)
	require.NotEmpty(t, details.BatchCode)
	wantExpiry := time.Now().UTC().AddDate(0, 0, 2)
	require.WithinDuration(t, wantExpiry, *details.ExpiryDate, time.Minute)

	// Explicit shelf life wins over the product default.
	sevenDays := 7
	tx, err = gateway.RecordProduction(ctx, ProductionInput{ProductID: 1, LocationID: 1, Quantity: qty("10"), ShelfLifeDays: &sevenDays, BatchCode: "B-7"})
	require.NoError(t, err)
	details = tx.Details.(ProductionDetails)
	require.Equal(t, "B-7", details.BatchCode)
	require.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 7), *details.ExpiryDate, time.Minute)

	// No shelf life anywhere means no expiry.
	tx, err = gateway.RecordProduction(ctx, ProductionInput{ProductID: 2, LocationID: 1, Quantity: qty("1")})
	require.NoError(t, err)
	details = tx.Details.(ProductionDetails)
	require.Nil(t, details.ExpiryDate)

	entries, err := log.ListAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestRecordConsumptionValidation(t *testing.T) {
	gateway, _, _ := testGateway(t, PolicyPermissive)
	ctx := context.Background()

	_, err := gateway.RecordConsumption(ctx, ConsumptionInput{ProductID: 1, LocationID: 2, Quantity: qty("0")})
	requireReason(t, err, ReasonCodeInvalidQuantity)

	_, err = gateway.RecordConsumption(ctx, ConsumptionInput{ProductID: 1, LocationID: 99, Quantity: qty("1")})
	requireReason(t, err, ReasonCodeUnknownLocation)
}

func TestRecordAdjustment(t *testing.T) {
	gateway, projector, _ := testGateway(t, PolicyPermissive)
	ctx := context.Background()

	_, err := gateway.RecordAdjustment(ctx, AdjustmentInput{ProductID: 1, LocationID: 2, Quantity: qty("0"), Reason: ReasonDamage})
	requireReason(t, err, ReasonCodeInvalidQuantity)

	_, err = gateway.RecordAdjustment(ctx, AdjustmentInput{ProductID: 1, LocationID: 2, Quantity: qty("1"), Reason: "shrinkage"})
	requireReason(t, err, ReasonCodeUnknownReason)

	_, err = gateway.RecordAdjustment(ctx, AdjustmentInput{ProductID: 1, LocationID: 2, Quantity: qty("4"), Reason: ReasonCountCorrection})
	require.NoError(t, err)
	_, err = gateway.RecordAdjustment(ctx, AdjustmentInput{ProductID: 1, LocationID: 2, Quantity: qty("-1.5"), Reason: ReasonDamage})
	require.NoError(t, err)

	require.True(t, projector.Quantity(StockKey{ProductID: 1, LocationID: 2}).Equal(qty("2.5")))
}

func TestRejectedMutationLeavesNoTrace(t *testing.T) {
	gateway, projector, log := testGateway(t, PolicyPermissive)
	ctx := context.Background()

	_, err := gateway.RecordTransfer(ctx, TransferInput{ProductID: 99, FromLocationID: 1, ToLocationID: 2, Quantity: qty("5")})
	require.Error(t, err)

	entries, err := log.ListAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Empty(t, projector.Snapshot())
	require.Zero(t, projector.AsOf())
}

type memoryIdempotency struct {
	keys    map[string]struct{}
	deleted []string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]struct{})}
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if _, ok := m.keys[key]; ok {
		return fmt.Errorf("idempotency key %s: %w", key, shared.ErrIdempotencyConflict)
	}
	m.keys[key] = struct{}{}
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	m.deleted = append(m.deleted, key)
	return nil
}

// failingLog rejects every append after the first.
type failingLog struct {
	*MemoryLog
	appends int
}

func (f *failingLog) Append(ctx context.Context, tx Transaction) (Transaction, error) {
	f.appends++
	if f.appends > 1 {
		return Transaction{}, errors.New("log unavailable")
	}
	return f.MemoryLog.Append(ctx, tx)
}

func TestIdempotencyDeduplicatesByReference(t *testing.T) {
	log := NewMemoryLog()
	projector := NewProjector(log, nil, ProjectorConfig{})
	idem := newMemoryIdempotency()
	gateway := NewGateway(log, testCatalog(), projector, idem, nil, nil, nil, nil, GatewayConfig{})
	ctx := context.Background()

	input := ProductionInput{ProductID: 1, LocationID: 1, Quantity: qty("10"), Reference: "PO-77"}
	_, err := gateway.RecordProduction(ctx, input)
	require.NoError(t, err)

	_, err = gateway.RecordProduction(ctx, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	entries, err := log.ListAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestIdempotencyKeyReleasedOnAppendFailure(t *testing.T) {
	log := &failingLog{MemoryLog: NewMemoryLog()}
	projector := NewProjector(log, nil, ProjectorConfig{})
	idem := newMemoryIdempotency()
	gateway := NewGateway(log, testCatalog(), projector, idem, nil, nil, nil, nil, GatewayConfig{})
	ctx := context.Background()

	_, err := gateway.RecordConsumption(ctx, ConsumptionInput{ProductID: 1, LocationID: 2, Quantity: qty("2"), SaleReference: "POS-1"})
	require.NoError(t, err)

	// The append fails after the key was claimed; the claim must be
	// released so a retry of the same reference can go through.
	_, err = gateway.RecordConsumption(ctx, ConsumptionInput{ProductID: 1, LocationID: 2, Quantity: qty("3"), SaleReference: "POS-2"})
	require.EqualError(t, err, "log unavailable")
	require.Equal(t, []string{"point_of_sale_consumption:POS-2"}, idem.deleted)

	log.appends = 0
	_, err = gateway.RecordConsumption(ctx, ConsumptionInput{ProductID: 1, LocationID: 2, Quantity: qty("3"), SaleReference: "POS-2"})
	require.NoError(t, err)
}

type captureEnqueuer struct {
	calls int
}

func (c *captureEnqueuer) EnqueueProjection(ctx context.Context) error {
	c.calls++
	return nil
}

func TestAsyncModeEnqueuesInsteadOfApplying(t *testing.T) {
	log := NewMemoryLog()
	projector := NewProjector(log, nil, ProjectorConfig{})
	enqueuer := &captureEnqueuer{}
	gateway := NewGateway(log, testCatalog(), projector, nil, nil, enqueuer, nil, nil, GatewayConfig{Mode: ModeAsync})
	ctx := context.Background()

	_, err := gateway.RecordProduction(ctx, ProductionInput{ProductID: 1, LocationID: 1, Quantity: qty("10")})
	require.NoError(t, err)
	require.Equal(t, 1, enqueuer.calls)
	require.Zero(t, projector.AsOf())

	// The worker-side catch-up folds what the enqueue deferred.
	require.NoError(t, projector.CatchUp(ctx))
	require.True(t, projector.Quantity(StockKey{ProductID: 1, LocationID: 1}).Equal(qty("10")))
}
