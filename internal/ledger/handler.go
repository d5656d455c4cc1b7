package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/stockpile-erp/stockpile/internal/platform/httpx"
	"github.com/stockpile-erp/stockpile/internal/shared"
)

// Handler wires the JSON API for the stock ledger.
type Handler struct {
	logger   *slog.Logger
	gateway  *Gateway
	query    *QueryService
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, gateway *Gateway, query *QueryService) *Handler {
	return &Handler{
		logger:   logger,
		gateway:  gateway,
		query:    query,
		validate: validator.New(),
	}
}

func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body is not valid JSON")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		var fields []string
		for _, fieldErr := range err.(validator.ValidationErrors) {
			fields = append(fields, fieldErr.Field())
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid fields: "+strings.Join(fields, ", "))
		return false
	}
	return true
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	tx, err := h.gateway.RecordTransfer(r.Context(), TransferInput{
		ProductID:      req.ProductID,
		FromLocationID: req.FromLocationID,
		ToLocationID:   req.ToLocationID,
		Quantity:       req.Quantity,
		BatchCode:      req.BatchCode,
		ExpiryDate:     req.ExpiryDate,
		Reference:      req.Reference,
	})
	if err != nil {
		h.respondMutationError(w, "record transfer", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newTransactionResponse(tx))
}

func (h *Handler) handleProduction(w http.ResponseWriter, r *http.Request) {
	var req productionRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	tx, err := h.gateway.RecordProduction(r.Context(), ProductionInput{
		ProductID:     req.ProductID,
		LocationID:    req.LocationID,
		Quantity:      req.Quantity,
		ShelfLifeDays: req.ShelfLifeDays,
		BatchCode:     req.BatchCode,
		Reference:     req.Reference,
	})
	if err != nil {
		h.respondMutationError(w, "record production", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newTransactionResponse(tx))
}

func (h *Handler) handleConsumption(w http.ResponseWriter, r *http.Request) {
	var req consumptionRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	tx, err := h.gateway.RecordConsumption(r.Context(), ConsumptionInput{
		ProductID:     req.ProductID,
		LocationID:    req.LocationID,
		Quantity:      req.Quantity,
		SaleReference: req.SaleReference,
	})
	if err != nil {
		h.respondMutationError(w, "record consumption", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newTransactionResponse(tx))
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	tx, err := h.gateway.RecordAdjustment(r.Context(), AdjustmentInput{
		ProductID:  req.ProductID,
		LocationID: req.LocationID,
		Quantity:   req.Quantity,
		Reason:     AdjustmentReason(req.Reason),
		Reference:  req.Reference,
	})
	if err != nil {
		h.respondMutationError(w, "record adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newTransactionResponse(tx))
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := StockFilter{ProductSearch: q.Get("product_search")}
	if raw := q.Get("location_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "location_id must be an integer")
			return
		}
		filter.LocationID = id
	}
	view, err := h.query.StockLevels(r.Context(), filter)
	if err != nil {
		h.logger.Error("list stock levels", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if page > 0 || perPage > 0 {
		meta := shared.NewPagination(page, perPage, len(view.Levels))
		start, end := meta.Bounds(len(view.Levels))
		view.Levels = view.Levels[start:end]
		view.Pagination = &meta
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("threshold")
	if raw == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "threshold is required")
		return
	}
	threshold, err := decimal.NewFromString(raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "threshold must be numeric")
		return
	}
	view, err := h.query.LowStock(r.Context(), threshold)
	if err != nil {
		h.logger.Error("list low stock", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleExpiring(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "days is required")
		return
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "days must be a non-negative integer")
		return
	}
	view, err := h.query.ExpiringWithin(r.Context(), days)
	if err != nil {
		h.logger.Error("list expiring stock", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.query.Summarize(r.Context())
	if err != nil {
		h.logger.Error("summarize stock", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) respondMutationError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
		return
	}
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
