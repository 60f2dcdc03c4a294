package orchestrator

import (
	"context"
	"log/slog"

	"github.com/joescharf/overseer/internal/models"
)

// ActivityRecorder appends loop activity to the project's activity log.
// Failures to record are logged and otherwise ignored.
type ActivityRecorder struct {
	store     Store
	projectID string
	logger    *slog.Logger
}

// NewActivityRecorder creates a recorder for one project.
func NewActivityRecorder(s Store, projectID string, logger *slog.Logger) *ActivityRecorder {
	return &ActivityRecorder{store: s, projectID: projectID, logger: logger}
}

// Record appends an activity entry.
func (r *ActivityRecorder) Record(ctx context.Context, summary string, payload models.ActivityPayload) {
	a := models.NewActivity(r.projectID, summary, payload)
	if err := r.store.AppendActivity(ctx, a); err != nil {
		r.logger.Warn("record activity", "kind", a.Kind, "error", err)
	}
}
