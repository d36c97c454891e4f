package receipt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/postforge/postforge/internal/config"
	"github.com/postforge/postforge/internal/metrics"
	"github.com/postforge/postforge/internal/persistence"
)

// The receipt error taxonomy. Every dependent action maps these to a
// distinct denial code; none of them ever surfaces as a generic failure.
var (
	ErrNotFound        = errors.New("receipt not found")
	ErrExpired         = errors.New("receipt expired")
	ErrAlreadyConsumed = errors.New("receipt already consumed")
	ErrRequired        = errors.New("receipt required")
)

// Service issues and consumes enforcement receipts: short-lived,
// single-use tokens binding a request id to its gate decision.
type Service struct {
	repo persistence.ReceiptRepo
	ttl  time.Duration
	now  func() time.Time
}

// NewService creates a receipt service with the given fixed TTL.
func NewService(repo persistence.ReceiptRepo, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{repo: repo, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue mints a receipt for a workflow's decision. The receipt records the
// decision status, whether the audit trail was fully written, and the
// enforcement mode active at issuance.
func (s *Service) Issue(ctx context.Context, workflowID, userID, decisionStatus string, auditOK bool, mode config.EnforcementMode) (*persistence.Receipt, error) {
	now := s.now().UTC()
	rec := &persistence.Receipt{
		RequestID:      uuid.NewString(),
		WorkflowID:     workflowID,
		UserID:         userID,
		DecisionStatus: decisionStatus,
		AuditOK:        auditOK,
		Mode:           string(mode),
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to issue receipt: %w", err)
	}

	metrics.ReceiptsIssuedTotal.Inc()
	log.Info().
		Str("request_id", rec.RequestID).
		Str("workflow_id", workflowID).
		Str("decision", decisionStatus).
		Bool("audit_ok", auditOK).
		Msg("receipt issued")
	return rec, nil
}

// Lookup returns the receipt for a request id, or one of ErrNotFound,
// ErrExpired, ErrAlreadyConsumed.
func (s *Service) Lookup(ctx context.Context, requestID string) (*persistence.Receipt, error) {
	rec, err := s.repo.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("receipt lookup failed: %w", err)
	}
	if rec.Consumed() {
		return rec, ErrAlreadyConsumed
	}
	if rec.Expired(s.now().UTC()) {
		return rec, ErrExpired
	}
	return rec, nil
}

// Consume atomically transitions the receipt unconsumed -> consumed,
// recording consumedBy as the consuming caller. Of any concurrent callers,
// exactly one succeeds; the rest receive ErrAlreadyConsumed (or ErrExpired
// if the TTL lapsed first).
func (s *Service) Consume(ctx context.Context, requestID, consumedBy string) (*persistence.Receipt, error) {
	now := s.now().UTC()

	won, err := s.repo.MarkConsumed(ctx, requestID, consumedBy, now)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			metrics.ReceiptConsumeTotal.WithLabelValues("not_found").Inc()
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("receipt consume failed: %w", err)
	}
	if !won {
		rec, getErr := s.repo.Get(ctx, requestID)
		if getErr != nil {
			return nil, fmt.Errorf("receipt consume classification failed: %w", getErr)
		}
		if rec.Consumed() {
			metrics.ReceiptConsumeTotal.WithLabelValues("already_consumed").Inc()
			return rec, ErrAlreadyConsumed
		}
		metrics.ReceiptConsumeTotal.WithLabelValues("expired").Inc()
		return rec, ErrExpired
	}

	rec, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load consumed receipt: %w", err)
	}
	metrics.ReceiptConsumeTotal.WithLabelValues("consumed").Inc()
	log.Info().Str("request_id", requestID).Str("consumed_by", consumedBy).Msg("receipt consumed")
	return rec, nil
}

// SweepExpired removes receipts whose TTL elapsed. Run on a schedule, not
// on the request path.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("receipt sweep failed: %w", err)
	}
	if n > 0 {
		log.Info().Int64("removed", n).Msg("swept expired receipts")
	}
	return n, nil
}
