package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockpile-erp/stockpile/internal/catalog"
	"github.com/stockpile-erp/stockpile/internal/observability"
	"github.com/stockpile-erp/stockpile/internal/shared"
)

// StockPolicy controls how outbound movements against missing stock are
// handled. Permissive lets projected quantities go negative as a
// data-quality signal; strict rejects the mutation.
type StockPolicy string

const (
	PolicyPermissive StockPolicy = "permissive"
	PolicyStrict     StockPolicy = "strict"
)

// ProjectionMode selects when mutations are folded into the projection.
type ProjectionMode string

const (
	// ModeSync folds the affected keys before the mutation returns, giving
	// read-after-write consistency.
	ModeSync ProjectionMode = "sync"
	// ModeAsync returns after the log append; a worker catches the
	// projection up and the as-of marker bounds the staleness window.
	ModeAsync ProjectionMode = "async"
)

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort deduplicates mutation references. CheckAndInsert returns
// shared.ErrIdempotencyConflict when the key was already claimed; Delete
// releases a claim whose append did not go through.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Enqueuer schedules asynchronous projection catch-up.
type Enqueuer interface {
	EnqueueProjection(ctx context.Context) error
}

// TransferInput describes a stock movement between two locations.
type TransferInput struct {
	ProductID      int64
	FromLocationID int64
	ToLocationID   int64
	Quantity       decimal.Decimal
	BatchCode      string
	ExpiryDate     *time.Time
	Reference      string
}

// ProductionInput describes a finished production batch entering stock.
type ProductionInput struct {
	ProductID     int64
	LocationID    int64
	Quantity      decimal.Decimal
	ShelfLifeDays *int
	BatchCode     string
	Reference     string
}

// ConsumptionInput describes point-of-sale consumption.
type ConsumptionInput struct {
	ProductID     int64
	LocationID    int64
	Quantity      decimal.Decimal
	SaleReference string
}

// AdjustmentInput describes a signed stock correction.
type AdjustmentInput struct {
	ProductID  int64
	LocationID int64
	Quantity   decimal.Decimal
	Reason     AdjustmentReason
	Reference  string
}

// GatewayConfig groups gateway settings.
type GatewayConfig struct {
	Policy        StockPolicy
	Mode          ProjectionMode
	LookupTimeout time.Duration
}

// Gateway validates proposed business events and appends them to the
// transaction log. Accepted transactions are permanent; rejections never
// leave partial state behind.
type Gateway struct {
	log         TransactionLog
	catalog     catalog.Reader
	projector   *Projector
	idempotency IdempotencyPort
	audit       AuditPort
	enqueuer    Enqueuer
	metrics     *observability.Metrics
	logger      *slog.Logger
	cfg         GatewayConfig
}

// NewGateway builds a Gateway.
func NewGateway(log TransactionLog, reader catalog.Reader, projector *Projector, idem IdempotencyPort, audit AuditPort, enqueuer Enqueuer, metrics *observability.Metrics, logger *slog.Logger, cfg GatewayConfig) *Gateway {
	if cfg.Policy == "" {
		cfg.Policy = PolicyPermissive
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSync
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	return &Gateway{
		log:         log,
		catalog:     reader,
		projector:   projector,
		idempotency: idem,
		audit:       audit,
		enqueuer:    enqueuer,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
	}
}

// RecordTransfer appends an inventory_transfer.
func (g *Gateway) RecordTransfer(ctx context.Context, input TransferInput) (Transaction, error) {
	if input.Quantity.Sign() <= 0 {
		return Transaction{}, validationErr(ReasonCodeInvalidQuantity, "transfer quantity must be positive")
	}
	if input.FromLocationID == input.ToLocationID {
		return Transaction{}, validationErr(ReasonCodeDuplicateLocation, "source and destination location must differ")
	}
	product, err := g.lookupProduct(ctx, input.ProductID)
	if err != nil {
		return Transaction{}, err
	}
	if _, err := g.lookupLocation(ctx, input.FromLocationID); err != nil {
		return Transaction{}, err
	}
	if _, err := g.lookupLocation(ctx, input.ToLocationID); err != nil {
		return Transaction{}, err
	}
	if err := g.checkOutbound(input.ProductID, input.FromLocationID, input.Quantity); err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		Type:     TypeTransfer,
		Status:   StatusCompleted,
		PostedAt: time.Now().UTC(),
		Details: TransferDetails{
			FromLocationID: input.FromLocationID,
			ToLocationID:   input.ToLocationID,
			BatchCode:      input.BatchCode,
			ExpiryDate:     input.ExpiryDate,
		},
		Lines: []TransactionLine{{
			ProductID: input.ProductID,
			Quantity:  input.Quantity,
			UnitCost:  product.StandardCost,
		}},
	}
	return g.commit(ctx, tx, input.Reference, map[string]any{
		"from_location_id": input.FromLocationID,
		"to_location_id":   input.ToLocationID,
		"product_id":       input.ProductID,
		"qty":              input.Quantity.String(),
	})
}

// RecordProduction appends a production_batch. Expiry is computed from the
// input shelf life, falling back to the product default; products without a
// shelf life produce batches without an expiry date.
func (g *Gateway) RecordProduction(ctx context.Context, input ProductionInput) (Transaction, error) {
	if input.Quantity.Sign() <= 0 {
		return Transaction{}, validationErr(ReasonCodeInvalidQuantity, "production quantity must be positive")
	}
	product, err := g.lookupProduct(ctx, input.ProductID)
	if err != nil {
		return Transaction{}, err
	}
	location, err := g.lookupLocation(ctx, input.LocationID)
	if err != nil {
		return Transaction{}, err
	}
	if !location.IsProductionSite {
		return Transaction{}, validationErr(ReasonCodeNotProductionSite, "location %s cannot produce", location.Code)
	}

	now := time.Now().UTC()
	shelfLife := input.ShelfLifeDays
	if shelfLife == nil {
		shelfLife = product.ShelfLifeDays
	}
	var expiry *time.Time
	if shelfLife != nil {
		e := now.AddDate(0, 0, *shelfLife)
		expiry = &e
	}
	batchCode := input.BatchCode
	if batchCode == "" {
		batchCode = fmt.Sprintf("BATCH-%d", now.UnixNano())
	}

	tx := Transaction{
		Type:     TypeProduction,
		Status:   StatusCompleted,
		PostedAt: now,
		Details: ProductionDetails{
			LocationID: input.LocationID,
			BatchCode:  batchCode,
			ExpiryDate: expiry,
		},
		Lines: []TransactionLine{{
			ProductID: input.ProductID,
			Quantity:  input.Quantity,
			UnitCost:  product.StandardCost,
		}},
	}
	return g.commit(ctx, tx, input.Reference, map[string]any{
		"location_id": input.LocationID,
		"product_id":  input.ProductID,
		"qty":         input.Quantity.String(),
		"batch_code":  batchCode,
	})
}

// RecordConsumption appends a point_of_sale_consumption. Under the
// permissive policy insufficient stock is accepted and drives the
// projection negative.
func (g *Gateway) RecordConsumption(ctx context.Context, input ConsumptionInput) (Transaction, error) {
	if input.Quantity.Sign() <= 0 {
		return Transaction{}, validationErr(ReasonCodeInvalidQuantity, "consumption quantity must be positive")
	}
	product, err := g.lookupProduct(ctx, input.ProductID)
	if err != nil {
		return Transaction{}, err
	}
	if _, err := g.lookupLocation(ctx, input.LocationID); err != nil {
		return Transaction{}, err
	}
	if err := g.checkOutbound(input.ProductID, input.LocationID, input.Quantity); err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		Type:     TypeConsumption,
		Status:   StatusCompleted,
		PostedAt: time.Now().UTC(),
		Details: ConsumptionDetails{
			LocationID:    input.LocationID,
			SaleReference: input.SaleReference,
		},
		Lines: []TransactionLine{{
			ProductID: input.ProductID,
			Quantity:  input.Quantity,
			UnitCost:  product.StandardCost,
		}},
	}
	return g.commit(ctx, tx, input.SaleReference, map[string]any{
		"location_id": input.LocationID,
		"product_id":  input.ProductID,
		"qty":         input.Quantity.String(),
		"sale_ref":    input.SaleReference,
	})
}

// RecordAdjustment appends an inventory_adjustment with a signed quantity.
func (g *Gateway) RecordAdjustment(ctx context.Context, input AdjustmentInput) (Transaction, error) {
	if input.Quantity.IsZero() {
		return Transaction{}, validationErr(ReasonCodeInvalidQuantity, "adjustment quantity must be non-zero")
	}
	if !input.Reason.Valid() {
		return Transaction{}, validationErr(ReasonCodeUnknownReason, "unknown adjustment reason %q", input.Reason)
	}
	product, err := g.lookupProduct(ctx, input.ProductID)
	if err != nil {
		return Transaction{}, err
	}
	if _, err := g.lookupLocation(ctx, input.LocationID); err != nil {
		return Transaction{}, err
	}
	if input.Quantity.Sign() < 0 {
		if err := g.checkOutbound(input.ProductID, input.LocationID, input.Quantity.Neg()); err != nil {
			return Transaction{}, err
		}
	}

	tx := Transaction{
		Type:     TypeAdjustment,
		Status:   StatusCompleted,
		PostedAt: time.Now().UTC(),
		Details: AdjustmentDetails{
			LocationID: input.LocationID,
			Reason:     input.Reason,
		},
		Lines: []TransactionLine{{
			ProductID: input.ProductID,
			Quantity:  input.Quantity,
			UnitCost:  product.StandardCost,
		}},
	}
	return g.commit(ctx, tx, input.Reference, map[string]any{
		"location_id": input.LocationID,
		"product_id":  input.ProductID,
		"qty":         input.Quantity.String(),
		"reason":      string(input.Reason),
	})
}

// lookupProduct resolves a product under the validation timeout. The
// timeout never applies to the append itself.
func (g *Gateway) lookupProduct(ctx context.Context, id int64) (catalog.Product, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()
	product, err := g.catalog.Product(lookupCtx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return catalog.Product{}, validationErr(ReasonCodeUnknownProduct, "product %d not in catalog", id)
		}
		return catalog.Product{}, fmt.Errorf("ledger: catalog product lookup: %w", err)
	}
	return product, nil
}

func (g *Gateway) lookupLocation(ctx context.Context, id int64) (catalog.Location, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()
	location, err := g.catalog.Location(lookupCtx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return catalog.Location{}, validationErr(ReasonCodeUnknownLocation, "location %d not in catalog", id)
		}
		return catalog.Location{}, fmt.Errorf("ledger: catalog location lookup: %w", err)
	}
	return location, nil
}

// checkOutbound enforces the strict policy for movements that reduce stock.
func (g *Gateway) checkOutbound(productID, locationID int64, qty decimal.Decimal) error {
	if g.cfg.Policy != PolicyStrict || g.projector == nil {
		return nil
	}
	available := g.projector.Quantity(StockKey{ProductID: productID, LocationID: locationID})
	if available.LessThan(qty) {
		return validationErr(ReasonCodeInsufficientStock, "available %s, requested %s", available, qty)
	}
	return nil
}

// commit runs the idempotency check, appends, then records audit/metrics
// and triggers projection per the configured mode.
func (g *Gateway) commit(ctx context.Context, tx Transaction, reference string, meta map[string]any) (Transaction, error) {
	var key string
	insertedKey := false
	if g.idempotency != nil && reference != "" {
		key = fmt.Sprintf("%s:%s", tx.Type, reference)
		if err := g.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
			return Transaction{}, err
		}
		insertedKey = true
	}

	appended, err := g.log.Append(ctx, tx)
	if err != nil {
		if insertedKey {
			_ = g.idempotency.Delete(ctx, key)
		}
		return Transaction{}, err
	}

	g.metrics.TransactionAppended(string(appended.Type))
	if g.audit != nil {
		_ = g.audit.Record(ctx, shared.AuditLog{
			Action:   fmt.Sprintf("ledger:%s", appended.Type),
			Entity:   "stock_transaction",
			EntityID: appended.ID,
			Meta:     meta,
		})
	}

	switch g.cfg.Mode {
	case ModeAsync:
		if g.enqueuer != nil {
			if err := g.enqueuer.EnqueueProjection(ctx); err != nil && g.logger != nil {
				g.logger.Warn("enqueue projection", slog.Any("error", err))
			}
			break
		}
		fallthrough
	default:
		if g.projector != nil {
			g.projector.Apply(ctx, appended)
		}
	}
	return appended, nil
}
