package audit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/postforge/postforge/internal/persistence"
)

// Recorder appends immutable audit rows for every stage result and
// terminal decision. It never updates or deletes; the write-failure policy
// (fail-open in advisory, fail-closed in enforced) belongs to the caller,
// which knows whether a receipt already exists.
type Recorder struct {
	repo persistence.AuditRepo
}

// NewRecorder creates a recorder over the given append-only store.
func NewRecorder(repo persistence.AuditRepo) *Recorder {
	return &Recorder{repo: repo}
}

// StageResult records one pipeline stage outcome.
func (r *Recorder) StageResult(ctx context.Context, workflowID, userID, platform, stage, status string, payload map[string]interface{}) error {
	rec := &persistence.AuditRecord{
		WorkflowID: workflowID,
		UserID:     userID,
		Platform:   platform,
		Stage:      stage,
		Status:     status,
		Payload:    payload,
	}
	if err := r.repo.Append(ctx, rec); err != nil {
		return fmt.Errorf("audit write failed for stage %s: %w", stage, err)
	}
	log.Debug().Str("workflow_id", workflowID).Str("stage", stage).Str("status", status).Msg("audit recorded")
	return nil
}

// Decision records the terminal gate decision.
func (r *Recorder) Decision(ctx context.Context, workflowID, userID, platform, status string, violationCodes []string) error {
	payload := map[string]interface{}{
		"violation_codes": violationCodes,
	}
	return r.StageResult(ctx, workflowID, userID, platform, "decision", status, payload)
}

// Trail returns the workflow's audit rows in insertion order.
func (r *Recorder) Trail(ctx context.Context, workflowID string) ([]persistence.AuditRecord, error) {
	return r.repo.ListByWorkflow(ctx, workflowID)
}
