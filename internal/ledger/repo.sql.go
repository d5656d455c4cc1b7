package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockpile-erp/stockpile/internal/platform/db"
)

// Repository persists the transaction log and the projection snapshot in
// PostgreSQL. The bigserial sequence of stock_transactions is the ordering
// position required by replay.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts the transaction header and all lines atomically.
func (r *Repository) Append(ctx context.Context, tx Transaction) (Transaction, error) {
	if r == nil || r.pool == nil {
		return Transaction{}, errors.New("ledger: repository not initialised")
	}
	if tx.Details == nil {
		return Transaction{}, errors.New("ledger: transaction details required")
	}
	if tx.Type == "" {
		tx.Type = tx.Details.transactionType()
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.PostedAt.IsZero() {
		tx.PostedAt = time.Now().UTC()
	}

	cols := detailColumns(tx.Details)

	err := db.WithTx(ctx, r.pool, func(pgTx pgx.Tx) error {
		const insertHeader = `INSERT INTO stock_transactions
			(id, tx_type, status, posted_at, from_location_id, to_location_id, location_id, batch_code, expiry_date, sale_reference, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING seq`
		err := pgTx.QueryRow(ctx, insertHeader,
			tx.ID, string(tx.Type), string(tx.Status), tx.PostedAt,
			cols.fromLocationID, cols.toLocationID, cols.locationID,
			cols.batchCode, cols.expiryDate, cols.saleReference, cols.reason,
		).Scan(&tx.Seq)
		if err != nil {
			return fmt.Errorf("ledger: insert transaction: %w", err)
		}

		const insertLine = `INSERT INTO stock_transaction_lines (tx_seq, product_id, qty, unit_cost)
			VALUES ($1, $2, $3, $4)`
		for _, line := range tx.Lines {
			if _, err := pgTx.Exec(ctx, insertLine, tx.Seq, line.ProductID, line.Quantity, line.UnitCost); err != nil {
				return fmt.Errorf("ledger: insert line: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// ListAfter returns transactions with seq > afterSeq, oldest first.
func (r *Repository) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = replayPageSize
	}
	const query = `SELECT seq, id, tx_type, status, posted_at,
			from_location_id, to_location_id, location_id, batch_code, expiry_date, sale_reference, reason
		FROM stock_transactions WHERE seq > $1 ORDER BY seq ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	var seqs []int64
	for rows.Next() {
		var tx Transaction
		var cols detailCols
		var txType, status string
		if err := rows.Scan(&tx.Seq, &tx.ID, &txType, &status, &tx.PostedAt,
			&cols.fromLocationID, &cols.toLocationID, &cols.locationID,
			&cols.batchCode, &cols.expiryDate, &cols.saleReference, &cols.reason); err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		tx.Type = TransactionType(txType)
		tx.Status = TransactionStatus(status)
		// A nil Details here means the row is malformed for its type; the
		// projector skips it rather than failing the whole replay.
		tx.Details = cols.toDetails(tx.Type)
		txs = append(txs, tx)
		seqs = append(seqs, tx.Seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}

	const lineQuery = `SELECT tx_seq, product_id, qty, unit_cost
		FROM stock_transaction_lines WHERE tx_seq = ANY($1) ORDER BY id ASC`
	lineRows, err := r.pool.Query(ctx, lineQuery, seqs)
	if err != nil {
		return nil, fmt.Errorf("ledger: list lines: %w", err)
	}
	defer lineRows.Close()

	bySeq := make(map[int64]*Transaction, len(txs))
	for i := range txs {
		bySeq[txs[i].Seq] = &txs[i]
	}
	for lineRows.Next() {
		var seq int64
		var line TransactionLine
		if err := lineRows.Scan(&seq, &line.ProductID, &line.Quantity, &line.UnitCost); err != nil {
			return nil, fmt.Errorf("ledger: scan line: %w", err)
		}
		if tx, ok := bySeq[seq]; ok {
			tx.Lines = append(tx.Lines, line)
		}
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// UpsertLevel writes one projected entry through to stock_levels. The
// in-memory arena stays authoritative; this snapshot feeds reporting.
func (r *Repository) UpsertLevel(ctx context.Context, key StockKey, qty decimal.Decimal, batchCode string, expiry *time.Time) error {
	const query = `INSERT INTO stock_levels (product_id, location_id, qty, batch_code, expiry_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (product_id, location_id)
		DO UPDATE SET qty = EXCLUDED.qty, batch_code = EXCLUDED.batch_code,
			expiry_date = EXCLUDED.expiry_date, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, key.ProductID, key.LocationID, qty, nullableString(batchCode), expiry)
	return err
}

// SaveCursor persists the last applied sequence. The table exists for
// operators and reporting; a restarting process always rebuilds from the
// log because the arena starts empty.
func (r *Repository) SaveCursor(ctx context.Context, seq int64) error {
	const query = `INSERT INTO projection_cursor (id, last_seq, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET last_seq = EXCLUDED.last_seq, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, seq)
	return err
}

// detailCols maps the tagged union onto the nullable type-specific columns.
type detailCols struct {
	fromLocationID *int64
	toLocationID   *int64
	locationID     *int64
	batchCode      *string
	expiryDate     *time.Time
	saleReference  *string
	reason         *string
}

func detailColumns(d Details) detailCols {
	var cols detailCols
	switch v := d.(type) {
	case TransferDetails:
		cols.fromLocationID = &v.FromLocationID
		cols.toLocationID = &v.ToLocationID
		cols.batchCode = nullableString(v.BatchCode)
		cols.expiryDate = v.ExpiryDate
	case ProductionDetails:
		cols.locationID = &v.LocationID
		cols.batchCode = nullableString(v.BatchCode)
		cols.expiryDate = v.ExpiryDate
	case ConsumptionDetails:
		cols.locationID = &v.LocationID
		cols.saleReference = nullableString(v.SaleReference)
	case AdjustmentDetails:
		cols.locationID = &v.LocationID
		reason := string(v.Reason)
		cols.reason = &reason
	}
	return cols
}

func (c detailCols) toDetails(t TransactionType) Details {
	switch t {
	case TypeTransfer:
		if c.fromLocationID == nil || c.toLocationID == nil {
			return nil
		}
		return TransferDetails{
			FromLocationID: *c.fromLocationID,
			ToLocationID:   *c.toLocationID,
			BatchCode:      stringValue(c.batchCode),
			ExpiryDate:     c.expiryDate,
		}
	case TypeProduction:
		if c.locationID == nil {
			return nil
		}
		return ProductionDetails{
			LocationID: *c.locationID,
			BatchCode:  stringValue(c.batchCode),
			ExpiryDate: c.expiryDate,
		}
	case TypeConsumption:
		if c.locationID == nil {
			return nil
		}
		return ConsumptionDetails{
			LocationID:    *c.locationID,
			SaleReference: stringValue(c.saleReference),
		}
	case TypeAdjustment:
		if c.locationID == nil || c.reason == nil {
			return nil
		}
		return AdjustmentDetails{
			LocationID: *c.locationID,
			Reason:     AdjustmentReason(*c.reason),
		}
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
