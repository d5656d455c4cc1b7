package ledger

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"github.com/stockpile-erp/stockpile/internal/catalog"
	"github.com/stockpile-erp/stockpile/internal/shared"
)

// StockFilter narrows a stock level listing. Zero values match everything.
type StockFilter struct {
	ProductSearch string
	LocationID    int64
}

// StockView is a stock level listing with its projection marker, so callers
// can reason about staleness under asynchronous materialization.
type StockView struct {
	Levels     []StockLevel       `json:"levels"`
	AsOf       int64              `json:"as_of"`
	Pagination *shared.Pagination `json:"pagination,omitempty"`
}

// Summary aggregates the projected stock.
type Summary struct {
	TotalValue decimal.Decimal `json:"total_value"`
	SKUCount   int             `json:"sku_count"`
	AsOf       int64           `json:"as_of"`
}

// QueryService serves read queries over the materialized projection.
type QueryService struct {
	projector *Projector
	catalog   catalog.Reader
	logger    *slog.Logger
	rebuilds  singleflight.Group
}

// NewQueryService builds a QueryService.
func NewQueryService(projector *Projector, reader catalog.Reader, logger *slog.Logger) *QueryService {
	return &QueryService{
		projector: projector,
		catalog:   reader,
		logger:    logger,
	}
}

// foldString case-folds for caseless matching. A cases.Caser carries state
// and is not safe for concurrent use, so one is built per call.
func foldString(s string) string {
	return cases.Fold().String(s)
}

// StockLevels lists projected entries matching the filter. Ordering is
// stable: location id, then product code. Entries at exactly zero are
// omitted; an empty result is not an error.
func (s *QueryService) StockLevels(ctx context.Context, filter StockFilter) (StockView, error) {
	levels, err := s.collect(ctx, func(level StockLevel) bool {
		if filter.LocationID != 0 && level.LocationID != filter.LocationID {
			return false
		}
		if filter.ProductSearch != "" {
			needle := foldString(filter.ProductSearch)
			if !strings.Contains(foldString(level.ProductCode), needle) &&
				!strings.Contains(foldString(level.ProductName), needle) {
				return false
			}
		}
		return true
	})
	if err != nil {
		return StockView{}, err
	}
	return StockView{Levels: levels, AsOf: s.projector.AsOf()}, nil
}

// LowStock lists entries with quantity below the threshold.
func (s *QueryService) LowStock(ctx context.Context, threshold decimal.Decimal) (StockView, error) {
	levels, err := s.collect(ctx, func(level StockLevel) bool {
		return level.Quantity.LessThan(threshold)
	})
	if err != nil {
		return StockView{}, err
	}
	return StockView{Levels: levels, AsOf: s.projector.AsOf()}, nil
}

// ExpiringWithin lists entries whose expiry date is at most the given
// number of days away. Entries without an expiry date are never flagged.
func (s *QueryService) ExpiringWithin(ctx context.Context, days int) (StockView, error) {
	deadline := time.Now().UTC().AddDate(0, 0, days)
	levels, err := s.collect(ctx, func(level StockLevel) bool {
		return level.ExpiryDate != nil && !level.ExpiryDate.After(deadline)
	})
	if err != nil {
		return StockView{}, err
	}
	return StockView{Levels: levels, AsOf: s.projector.AsOf()}, nil
}

// Summarize reduces the projection to total inventory value and SKU count.
func (s *QueryService) Summarize(ctx context.Context) (Summary, error) {
	levels, err := s.collect(ctx, func(StockLevel) bool { return true })
	if err != nil {
		return Summary{}, err
	}
	total := decimal.Zero
	skus := make(map[int64]struct{})
	for _, level := range levels {
		total = total.Add(level.Value)
		skus[level.ProductID] = struct{}{}
	}
	return Summary{TotalValue: total, SKUCount: len(skus), AsOf: s.projector.AsOf()}, nil
}

// Rebuild triggers a full replay. Concurrent identical triggers collapse
// into one.
func (s *QueryService) Rebuild(ctx context.Context) error {
	_, err, _ := s.rebuilds.Do("rebuild", func() (any, error) {
		return nil, s.projector.Rebuild(ctx)
	})
	return err
}

// collect snapshots the arena, drops zero quantities, enriches entries
// from the catalog and applies the predicate.
func (s *QueryService) collect(ctx context.Context, match func(StockLevel) bool) ([]StockLevel, error) {
	entries := s.projector.Snapshot()
	products := make(map[int64]catalog.Product)
	locations := make(map[int64]catalog.Location)

	var levels []StockLevel
	for _, entry := range entries {
		if entry.Quantity.IsZero() {
			continue
		}
		product, ok := products[entry.Key.ProductID]
		if !ok {
			var err error
			product, err = s.catalog.Product(ctx, entry.Key.ProductID)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("stock entry references unknown product",
						slog.Int64("product_id", entry.Key.ProductID), slog.Any("error", err))
				}
				continue
			}
			products[entry.Key.ProductID] = product
		}
		location, ok := locations[entry.Key.LocationID]
		if !ok {
			var err error
			location, err = s.catalog.Location(ctx, entry.Key.LocationID)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("stock entry references unknown location",
						slog.Int64("location_id", entry.Key.LocationID), slog.Any("error", err))
				}
				continue
			}
			locations[entry.Key.LocationID] = location
		}

		level := StockLevel{
			ProductID:    product.ID,
			ProductCode:  product.Code,
			ProductName:  product.Name,
			LocationID:   location.ID,
			LocationCode: location.Code,
			LocationName: location.Name,
			Quantity:     entry.Quantity,
			Unit:         product.Unit,
			Value:        entry.Quantity.Mul(product.StandardCost),
			BatchCode:    entry.BatchCode,
			ExpiryDate:   entry.ExpiryDate,
			Temperature:  location.TargetTemp,
		}
		if match(level) {
			levels = append(levels, level)
		}
	}

	sort.Slice(levels, func(i, j int) bool {
		if levels[i].LocationID != levels[j].LocationID {
			return levels[i].LocationID < levels[j].LocationID
		}
		return levels[i].ProductCode < levels[j].ProductCode
	})
	return levels, nil
}
