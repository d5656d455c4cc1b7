package catalog

import (
	"context"

	"github.com/stockpile-erp/stockpile/internal/shared"
)

// StaticReader serves catalog data from in-memory maps. Used by tests and
// the seed tool.
type StaticReader struct {
	products  map[int64]Product
	locations map[int64]Location
}

// NewStaticReader builds a StaticReader from the given reference data.
func NewStaticReader(products []Product, locations []Location) *StaticReader {
	r := &StaticReader{
		products:  make(map[int64]Product, len(products)),
		locations: make(map[int64]Location, len(locations)),
	}
	for _, p := range products {
		r.products[p.ID] = p
	}
	for _, l := range locations {
		r.locations[l.ID] = l
	}
	return r
}

func (r *StaticReader) Product(ctx context.Context, id int64) (Product, error) {
	p, ok := r.products[id]
	if !ok {
		return Product{}, shared.ErrNotFound
	}
	return p, nil
}

func (r *StaticReader) Location(ctx context.Context, id int64) (Location, error) {
	l, ok := r.locations[id]
	if !ok {
		return Location{}, shared.ErrNotFound
	}
	return l, nil
}
