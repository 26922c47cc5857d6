package jobs

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/flowdeck/flowdeck/internal/audit"
	"github.com/flowdeck/flowdeck/internal/authz"
)

// SweepStore is the persistence surface the sweep needs.
type SweepStore interface {
	ListOrphanedAssignments(ctx context.Context) ([]authz.Assignment, error)
	DeleteAssignment(ctx context.Context, id uuid.UUID) error
}

// SweepAuditor records each removal.
type SweepAuditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// OrphanSweepJob deletes mutable assignments whose scope resource no longer
// exists. Deleting a project or flow does not cascade into the assignment
// table synchronously; this sweep is the explicit cleanup policy, and a
// dangling assignment is harmless in the meantime because decision-time
// resolution of a missing resource already yields deny.
type OrphanSweepJob struct {
	store   SweepStore
	auditor SweepAuditor
	logger  *slog.Logger
}

// NewOrphanSweepJob constructs the job.
func NewOrphanSweepJob(store SweepStore, auditor SweepAuditor, logger *slog.Logger) *OrphanSweepJob {
	return &OrphanSweepJob{store: store, auditor: auditor, logger: logger}
}

// Run executes one sweep pass.
func (j *OrphanSweepJob) Run(ctx context.Context) error {
	orphans, err := j.store.ListOrphanedAssignments(ctx)
	if err != nil {
		return err
	}
	removed := 0
	for _, a := range orphans {
		if err := j.store.DeleteAssignment(ctx, a.ID); err != nil {
			if j.logger != nil {
				j.logger.Warn("orphan sweep delete",
					slog.String("assignment_id", a.ID.String()),
					slog.Any("error", err))
			}
			continue
		}
		removed++
		if j.auditor != nil {
			entry := audit.Entry{
				Action:   "sweep_orphan_assignment",
				Entity:   "assignment",
				EntityID: a.ID.String(),
				Meta: map[string]any{
					"user_id":    a.UserID.String(),
					"role_id":    a.RoleID.String(),
					"scope_kind": string(a.ScopeKind),
					"scope_id":   scopeIDString(a.ScopeID),
				},
			}
			if err := j.auditor.Record(ctx, entry); err != nil && j.logger != nil {
				j.logger.Warn("orphan sweep audit", slog.Any("error", err))
			}
		}
	}
	if j.logger != nil {
		j.logger.Info("orphan sweep complete",
			slog.Int("candidates", len(orphans)),
			slog.Int("removed", removed))
	}
	return nil
}

// Handler adapts the job to an asynq handler.
func (j *OrphanSweepJob) Handler() asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		return j.Run(ctx)
	}
}

func scopeIDString(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}
