package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// transferRequest is the JSON body for POST /api/ledger/transfers.
type transferRequest struct {
	ProductID      int64           `json:"product_id" validate:"required,gt=0"`
	FromLocationID int64           `json:"from_location_id" validate:"required,gt=0"`
	ToLocationID   int64           `json:"to_location_id" validate:"required,gt=0"`
	Quantity       decimal.Decimal `json:"quantity" validate:"required"`
	BatchCode      string          `json:"batch_code,omitempty"`
	ExpiryDate     *time.Time      `json:"expiry_date,omitempty"`
	Reference      string          `json:"reference,omitempty"`
}

type productionRequest struct {
	ProductID     int64           `json:"product_id" validate:"required,gt=0"`
	LocationID    int64           `json:"location_id" validate:"required,gt=0"`
	Quantity      decimal.Decimal `json:"quantity" validate:"required"`
	ShelfLifeDays *int            `json:"shelf_life_days,omitempty"`
	BatchCode     string          `json:"batch_code,omitempty"`
	Reference     string          `json:"reference,omitempty"`
}

type consumptionRequest struct {
	ProductID     int64           `json:"product_id" validate:"required,gt=0"`
	LocationID    int64           `json:"location_id" validate:"required,gt=0"`
	Quantity      decimal.Decimal `json:"quantity" validate:"required"`
	SaleReference string          `json:"sale_reference" validate:"required"`
}

type adjustmentRequest struct {
	ProductID  int64           `json:"product_id" validate:"required,gt=0"`
	LocationID int64           `json:"location_id" validate:"required,gt=0"`
	Quantity   decimal.Decimal `json:"quantity" validate:"required"`
	Reason     string          `json:"reason" validate:"required"`
	Reference  string          `json:"reference,omitempty"`
}

// transactionResponse acknowledges an accepted mutation.
type transactionResponse struct {
	TransactionID string    `json:"transaction_id"`
	Seq           int64     `json:"seq"`
	Type          string    `json:"type"`
	PostedAt      time.Time `json:"posted_at"`
}

func newTransactionResponse(tx Transaction) transactionResponse {
	return transactionResponse{
		TransactionID: tx.ID,
		Seq:           tx.Seq,
		Type:          string(tx.Type),
		PostedAt:      tx.PostedAt,
	}
}
