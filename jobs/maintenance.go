package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/stockpile-erp/stockpile/internal/jobs"
	"github.com/stockpile-erp/stockpile/internal/shared"
)

// idempotencyRetention is how long processed mutation references stay
// deduplicated. References older than this may be replayed.
const idempotencyRetention = 30 * 24 * time.Hour

// NewIdempotencyCleanupHandler prunes idempotency keys past retention.
func NewIdempotencyCleanupHandler(store *shared.IdempotencyStore, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ScheduledPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track("idempotency_cleanup")
		err := store.Cleanup(ctx, idempotencyRetention)
		if err != nil && logger != nil {
			logger.Error("idempotency cleanup", slog.Any("error", err))
		}
		return tracker.End(err)
	}
}
