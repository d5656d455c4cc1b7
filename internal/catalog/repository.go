package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockpile-erp/stockpile/internal/shared"
)

// Repository reads catalog reference data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Product(ctx context.Context, id int64) (Product, error) {
	const query = `SELECT id, code, name, unit, standard_cost, shelf_life_days, requires_temp_control
		FROM products WHERE id = $1`
	var p Product
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Code, &p.Name, &p.Unit, &p.StandardCost, &p.ShelfLifeDays, &p.RequiresTempControl,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, shared.ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func (r *Repository) Location(ctx context.Context, id int64) (Location, error) {
	const query = `SELECT id, code, name, is_production_site, target_temp
		FROM locations WHERE id = $1`
	var l Location
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&l.ID, &l.Code, &l.Name, &l.IsProductionSite, &l.TargetTemp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, shared.ErrNotFound
		}
		return Location{}, err
	}
	return l, nil
}
