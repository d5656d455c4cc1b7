package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates the business transactions folded into the
// stock projection. All other types appended by future modules are ignored.
type TransactionType string

const (
	// TypeTransfer moves stock between two locations.
	TypeTransfer TransactionType = "inventory_transfer"
	// TypeProduction creates supply at a production site.
	TypeProduction TransactionType = "production_batch"
	// TypeConsumption destroys supply at a point of sale.
	TypeConsumption TransactionType = "point_of_sale_consumption"
	// TypeAdjustment corrects supply with a signed quantity.
	TypeAdjustment TransactionType = "inventory_adjustment"
)

// TransactionStatus tracks the lifecycle of a transaction. Only completed
// transactions are folded; anything else is skipped during replay.
type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "completed"
	StatusDraft     TransactionStatus = "draft"
	StatusCancelled TransactionStatus = "cancelled"
)

// AdjustmentReason is the fixed enumeration of adjustment causes.
type AdjustmentReason string

const (
	ReasonDamage          AdjustmentReason = "damage"
	ReasonExpiry          AdjustmentReason = "expiry"
	ReasonTheft           AdjustmentReason = "theft"
	ReasonQualityIssue    AdjustmentReason = "quality_issue"
	ReasonCountCorrection AdjustmentReason = "count_correction"
)

// Valid reports whether the reason is part of the known enumeration.
func (r AdjustmentReason) Valid() bool {
	switch r {
	case ReasonDamage, ReasonExpiry, ReasonTheft, ReasonQualityIssue, ReasonCountCorrection:
		return true
	}
	return false
}

// Details is the type-specific attribute set of a transaction. Modelling it
// as a sealed union removes runtime field-presence checks: a transaction of
// a given type either carries its details struct or is malformed.
type Details interface {
	transactionType() TransactionType
}

// TransferDetails describes an inventory_transfer.
type TransferDetails struct {
	FromLocationID int64
	ToLocationID   int64
	BatchCode      string
	ExpiryDate     *time.Time
}

func (TransferDetails) transactionType() TransactionType { return TypeTransfer }

// ProductionDetails describes a production_batch.
type ProductionDetails struct {
	LocationID int64
	BatchCode  string
	ExpiryDate *time.Time
}

func (ProductionDetails) transactionType() TransactionType { return TypeProduction }

// ConsumptionDetails describes a point_of_sale_consumption.
type ConsumptionDetails struct {
	LocationID    int64
	SaleReference string
}

func (ConsumptionDetails) transactionType() TransactionType { return TypeConsumption }

// AdjustmentDetails describes an inventory_adjustment. The sign of the line
// quantity encodes increase versus decrease.
type AdjustmentDetails struct {
	LocationID int64
	Reason     AdjustmentReason
}

func (AdjustmentDetails) transactionType() TransactionType { return TypeAdjustment }

// Transaction is one immutable entry of the append-only log. Seq is the
// strictly increasing ordering position assigned at append time and is the
// replay cursor unit.
type Transaction struct {
	Seq      int64
	ID       string
	Type     TransactionType
	Status   TransactionStatus
	PostedAt time.Time
	Details  Details
	Lines    []TransactionLine
}

// TransactionLine is one product movement inside a transaction.
type TransactionLine struct {
	ProductID int64
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
}

// StockKey identifies one projected stock bucket.
type StockKey struct {
	ProductID  int64
	LocationID int64
}

// StockLevel is the materialized view served by the query service. It is
// derived state: fully recomputable by replaying the log from empty.
type StockLevel struct {
	ProductID    int64           `json:"product_id"`
	ProductCode  string          `json:"product_code"`
	ProductName  string          `json:"product_name"`
	LocationID   int64           `json:"location_id"`
	LocationCode string          `json:"location_code"`
	LocationName string          `json:"location_name"`
	Quantity     decimal.Decimal `json:"quantity"`
	Unit         string          `json:"unit"`
	Value        decimal.Decimal `json:"value"`
	BatchCode    string          `json:"batch_code,omitempty"`
	ExpiryDate   *time.Time      `json:"expiry_date,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
}
