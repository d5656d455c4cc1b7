package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/stockpile-erp/stockpile/internal/jobs"
	"github.com/stockpile-erp/stockpile/internal/ledger"
)

// NewProjectionCatchUpHandler folds every transaction past the cursor into
// the projection. Re-delivery is harmless: already-applied sequences are
// skipped by the cursor.
func NewProjectionCatchUpHandler(projector *ledger.Projector, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ScheduledPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track("projection_catchup")
		err := projector.CatchUp(ctx)
		if err != nil && logger != nil {
			logger.Error("projection catch-up", slog.Any("error", err))
		}
		return tracker.End(err)
	}
}

// NewIntegrityCheckHandler verifies the live projection against a full
// replay and reports divergences. Divergence means a bug in the
// incremental path; the projection is rebuilt to restore the
// replay-defined state.
func NewIntegrityCheckHandler(projector *ledger.Projector, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ScheduledPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track("integrity_check")
		divergences, err := projector.VerifyIntegrity(ctx)
		if err != nil {
			return tracker.End(err)
		}
		for _, d := range divergences {
			metrics.AddDivergences(d.Key.ProductID, d.Key.LocationID, 1)
			if logger != nil {
				logger.Error("projection divergence",
					slog.Int64("product_id", d.Key.ProductID),
					slog.Int64("location_id", d.Key.LocationID),
					slog.String("live", d.Live.String()),
					slog.String("replayed", d.Replayed.String()))
			}
		}
		if len(divergences) > 0 {
			err = projector.Rebuild(ctx)
		}
		return tracker.End(err)
	}
}

// NewExpirySweepHandler lists batches whose expiry date has passed. It only
// reports; writing the corrective expiry adjustments stays a human action.
func NewExpirySweepHandler(query *ledger.QueryService, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ScheduledPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track("expiry_sweep")
		view, err := query.ExpiringWithin(ctx, 0)
		if err != nil {
			return tracker.End(err)
		}
		for _, level := range view.Levels {
			if logger != nil {
				logger.Warn("expired batch in stock",
					slog.String("product", level.ProductCode),
					slog.String("location", level.LocationCode),
					slog.String("batch", level.BatchCode),
					slog.String("qty", level.Quantity.String()))
			}
		}
		return tracker.End(nil)
	}
}
