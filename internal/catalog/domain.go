package catalog

import (
	"context"

	"github.com/shopspring/decimal"
)

// Product is immutable reference data describing a stocked item.
type Product struct {
	ID                  int64
	Code                string
	Name                string
	Unit                string
	StandardCost        decimal.Decimal
	ShelfLifeDays       *int
	RequiresTempControl bool
}

// Location is immutable reference data describing a stock-holding site.
type Location struct {
	ID               int64
	Code             string
	Name             string
	IsProductionSite bool
	TargetTemp       *float64
}

// Reader is the read-only catalog interface consumed by the ledger engine.
// Implementations return shared.ErrNotFound for unknown identifiers.
type Reader interface {
	Product(ctx context.Context, id int64) (Product, error)
	Location(ctx context.Context, id int64) (Location, error)
}
