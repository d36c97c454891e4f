package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/postforge/postforge/internal/config"
	"github.com/postforge/postforge/internal/persistence"
	"github.com/postforge/postforge/internal/receipt"
)

// Issuance reason codes. Denials carry a specific code, never a generic
// failure; GUARDRAIL_BLOCKED is an explained zero issuance, not an error.
const (
	ReasonIssued           = "ISSUED"
	ReasonShadowRecorded   = "SHADOW_RECORDED"
	ReasonLedgerDisabled   = "LEDGER_DISABLED"
	ReasonGuardrailBlocked = "GUARDRAIL_BLOCKED"
	ReasonReceiptRequired  = "RECEIPT_REQUIRED"
	ReasonReceiptNotFound  = "RECEIPT_NOT_FOUND"
	ReasonReceiptExpired   = "RECEIPT_EXPIRED"
	ReasonReceiptConsumed  = "RECEIPT_ALREADY_CONSUMED"
	ReasonReceiptMismatch  = "RECEIPT_USER_MISMATCH"
	ReasonDecisionFailed   = "DECISION_FAILED"
	ReasonAuditUnverified  = "AUDIT_UNVERIFIED"
)

// IssueRequest asks for a publish reward backed by an enforcement receipt.
type IssueRequest struct {
	UserID     string `json:"user_id"`
	RequestID  string `json:"request_id"`
	ReceiptID  string `json:"receipt_id"`
	Platform   string `json:"platform"`
	BaseAmount int64  `json:"base_amount"`
}

// IssueResult reports the issuance outcome. Denied results carry a zero
// amount and the specific reason code.
type IssueResult struct {
	Mode              config.LedgerMode `json:"mode"`
	IssuedAmount      int64             `json:"issued_amount"`
	PendingAmount     int64             `json:"pending_amount,omitempty"`
	ReasonCode        string            `json:"reason_code"`
	GuardrailsApplied []string          `json:"guardrails_applied"`
	Denied            bool              `json:"denied,omitempty"`
}

// Issuer runs the receipt-gated EARN path: verify and consume the receipt,
// apply guardrails, append to the ledger.
type Issuer struct {
	engine     *Engine
	guardrails *GuardrailEngine
	receipts   *receipt.Service
}

// NewIssuer wires the issuance path.
func NewIssuer(engine *Engine, guardrails *GuardrailEngine, receipts *receipt.Service) *Issuer {
	return &Issuer{engine: engine, guardrails: guardrails, receipts: receipts}
}

// IssueForPublish issues tokens for a verified publish. It is idempotent
// on (request_id, receipt_id): a repeat call returns the original result
// without a second ledger entry, even though the receipt is already
// consumed by then.
func (i *Issuer) IssueForPublish(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.BaseAmount <= 0 {
		return nil, fmt.Errorf("base amount must be positive, got %d", req.BaseAmount)
	}
	if req.ReceiptID == "" {
		return deny(i.engine.Mode(), ReasonReceiptRequired), nil
	}

	if i.engine.Mode() == config.LedgerOff {
		return &IssueResult{Mode: config.LedgerOff, ReasonCode: ReasonLedgerDisabled, GuardrailsApplied: []string{}}, nil
	}

	key := idempotencyKey(req.RequestID, req.ReceiptID)

	// Replay check before touching the receipt: a retry after a completed
	// issuance must return the original result.
	if res, ok, err := i.replay(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	// Validate before consuming so a doomed attempt does not burn the
	// single use.
	completing := false
	rec, err := i.receipts.Lookup(ctx, req.ReceiptID)
	if denial, infraErr := classifyReceiptErr(i.engine.Mode(), err); infraErr != nil {
		return nil, infraErr
	} else if denial != nil {
		// A receipt this request consumed, with no ledger entry under the
		// key, means a prior attempt died between consume and append; let
		// the idempotency key finish it. Consumed by anyone else, deny.
		if !errors.Is(err, receipt.ErrAlreadyConsumed) || rec == nil || rec.ConsumedBy != req.RequestID {
			return denial, nil
		}
		completing = true
	}
	if rec.UserID != req.UserID {
		return deny(i.engine.Mode(), ReasonReceiptMismatch), nil
	}
	if rec.DecisionStatus != "PASS" {
		return deny(i.engine.Mode(), ReasonDecisionFailed), nil
	}
	if !rec.AuditOK {
		return deny(i.engine.Mode(), ReasonAuditUnverified), nil
	}

	if !rec.Consumed() {
		if consumed, err := i.receipts.Consume(ctx, req.ReceiptID, req.RequestID); err != nil {
			if denial, infraErr := classifyReceiptErr(i.engine.Mode(), err); infraErr != nil {
				return nil, infraErr
			} else if denial != nil {
				// Losing the race to a concurrent retry of this same
				// request is fine; the idempotency key decides who issues.
				// Losing to any other consumer denies.
				if !errors.Is(err, receipt.ErrAlreadyConsumed) || consumed == nil || consumed.ConsumedBy != req.RequestID {
					return denial, nil
				}
				completing = true
			}
		}
	}

	// Completing a prior consume by this same request is a retry of one
	// logical attempt, not a new one: guardrail state was charged (or
	// never reached) by the attempt that consumed, and re-applying the
	// interval rule here would turn a retryable failure into a permanent
	// zero issuance. Issue the full base and let the idempotency key
	// dedupe against any twin.
	outcome := &GuardrailOutcome{
		BaseAmount:   req.BaseAmount,
		IssuedAmount: req.BaseAmount,
		Applied:      []string{},
	}
	if !completing {
		outcome, err = i.guardrails.Apply(ctx, req.UserID, req.BaseAmount)
		if err != nil {
			return nil, err
		}
	}
	if outcome.Blocked {
		// A concurrent twin of this request may have appended between our
		// replay check and here; its result wins over the block.
		if res, ok, err := i.replay(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return res, nil
		}
		return &IssueResult{
			Mode:              i.engine.Mode(),
			ReasonCode:        ReasonGuardrailBlocked,
			GuardrailsApplied: outcome.Applied,
		}, nil
	}

	metadata := map[string]interface{}{
		"request_id":         req.RequestID,
		"receipt_id":         req.ReceiptID,
		"platform":           req.Platform,
		"base_amount":        req.BaseAmount,
		"guardrails_applied": outcome.Applied,
	}
	appended, err := i.engine.Append(ctx, req.UserID, EventEarn, ReasonPublishReward, outcome.IssuedAmount, metadata, key)
	if err != nil {
		return nil, err
	}

	res := resultFromAppend(appended)
	if appended.Duplicate {
		// A concurrent issuance won; report its guardrails, not ours.
		res.GuardrailsApplied = appliedFromMetadata(appended)
	} else {
		res.GuardrailsApplied = outcome.Applied
	}

	log.Info().
		Str("user_id", req.UserID).
		Str("request_id", req.RequestID).
		Int64("base", req.BaseAmount).
		Int64("issued", res.IssuedAmount+res.PendingAmount).
		Strs("guardrails", res.GuardrailsApplied).
		Str("mode", string(res.Mode)).
		Msg("publish reward issued")
	return res, nil
}

// replay returns the recorded result for an idempotency key, if any.
func (i *Issuer) replay(ctx context.Context, key string) (*IssueResult, bool, error) {
	switch i.engine.Mode() {
	case config.LedgerLive:
		entry, err := i.engine.ledger.GetByIdempotencyKey(ctx, key)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		res := resultFromAppend(&AppendResult{Mode: config.LedgerLive, Duplicate: true, Entry: entry})
		res.GuardrailsApplied = appliedFromMetadata(&AppendResult{Entry: entry})
		return res, true, nil

	case config.LedgerShadow:
		pending, err := i.engine.pending.GetByIdempotencyKey(ctx, key)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		res := resultFromAppend(&AppendResult{Mode: config.LedgerShadow, Duplicate: true, Pending: pending})
		res.GuardrailsApplied = appliedFromMetadata(&AppendResult{Pending: pending})
		return res, true, nil
	}
	return nil, false, nil
}

func resultFromAppend(a *AppendResult) *IssueResult {
	res := &IssueResult{Mode: a.Mode, GuardrailsApplied: []string{}}
	switch {
	case a.Entry != nil:
		res.IssuedAmount = a.Entry.Amount
		res.ReasonCode = ReasonIssued
	case a.Pending != nil:
		res.PendingAmount = a.Pending.Amount
		res.ReasonCode = ReasonShadowRecorded
	default:
		res.ReasonCode = ReasonLedgerDisabled
	}
	return res
}

// appliedFromMetadata recovers guardrails_applied from a stored entry so
// replays return identical results.
func appliedFromMetadata(a *AppendResult) []string {
	var md map[string]interface{}
	switch {
	case a.Entry != nil:
		md = a.Entry.Metadata
	case a.Pending != nil:
		md = a.Pending.Metadata
	}
	applied := []string{}
	if md == nil {
		return applied
	}
	raw, ok := md["guardrails_applied"]
	if !ok {
		return applied
	}
	switch v := raw.(type) {
	case []string:
		applied = append(applied, v...)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				applied = append(applied, s)
			}
		}
	}
	return applied
}

func deny(mode config.LedgerMode, reason string) *IssueResult {
	return &IssueResult{Mode: mode, ReasonCode: reason, GuardrailsApplied: []string{}, Denied: true}
}

// classifyReceiptErr splits receipt service errors into denials and infra
// errors. A nil, nil, nil return means the receipt is usable.
func classifyReceiptErr(mode config.LedgerMode, err error) (*IssueResult, error) {
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, receipt.ErrNotFound):
		return deny(mode, ReasonReceiptNotFound), nil
	case errors.Is(err, receipt.ErrExpired):
		return deny(mode, ReasonReceiptExpired), nil
	case errors.Is(err, receipt.ErrAlreadyConsumed):
		return deny(mode, ReasonReceiptConsumed), nil
	case errors.Is(err, receipt.ErrRequired):
		return deny(mode, ReasonReceiptRequired), nil
	default:
		return nil, fmt.Errorf("receipt verification failed: %w", err)
	}
}

func idempotencyKey(requestID, receiptID string) string {
	return requestID + ":" + receiptID
}
