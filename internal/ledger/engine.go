package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/postforge/postforge/internal/config"
	"github.com/postforge/postforge/internal/metrics"
	"github.com/postforge/postforge/internal/persistence"
)

// Ledger event types. EARN and positive ADJUSTMENT increase balance;
// SPEND, PENALTY and negative ADJUSTMENT decrease it.
const (
	EventEarn       = "EARN"
	EventSpend      = "SPEND"
	EventPenalty    = "PENALTY"
	EventAdjustment = "ADJUSTMENT"
)

// Ledger entry reason codes.
const (
	ReasonPublishReward  = "publish_reward"
	ReasonSpend          = "spend"
	ReasonPolicyPenalty  = "policy_penalty"
	ReasonReconciliation = "reconciliation"
)

// IntegrityError reports an attempted violation of ledger invariants: an
// amount whose sign contradicts its event type, or arithmetic that does
// not chain. Rejected outright, never coerced.
type IntegrityError struct {
	EventType string
	Amount    int64
	Detail    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation for %s amount %d: %s", e.EventType, e.Amount, e.Detail)
}

// AppendResult is the outcome of one append call in whatever mode the
// engine runs. Exactly one of Entry/Pending is set outside off mode.
type AppendResult struct {
	Mode      config.LedgerMode         `json:"mode"`
	Disabled  bool                      `json:"disabled,omitempty"`
	Duplicate bool                      `json:"duplicate,omitempty"`
	Entry     *persistence.LedgerEntry  `json:"entry,omitempty"`
	Pending   *persistence.PendingEntry `json:"pending,omitempty"`
}

// Engine is the token ledger: append-only, idempotent, mode-aware. All
// mutations of ledger, pending and balance stores go through it.
type Engine struct {
	mode     config.LedgerMode
	ledger   persistence.LedgerRepo
	pending  persistence.PendingRepo
	balances persistence.BalanceRepo
}

// NewEngine creates a ledger engine in the given mode.
func NewEngine(mode config.LedgerMode, repo *persistence.Repository) *Engine {
	return &Engine{
		mode:     mode,
		ledger:   repo.Ledger,
		pending:  repo.Pending,
		balances: repo.Balances,
	}
}

// Mode returns the engine's operating mode.
func (e *Engine) Mode() config.LedgerMode {
	return e.mode
}

// Append applies one balance-changing event. A repeated idempotency key
// returns the original result with Duplicate=true and writes nothing. In
// off mode nothing is written at all; in shadow mode only the pending
// store is touched; in live mode the ledger row and the cached balance
// update commit in one transaction.
func (e *Engine) Append(ctx context.Context, userID, eventType, reasonCode string, amount int64, metadata map[string]interface{}, idempotencyKey string) (*AppendResult, error) {
	if err := validateAmount(eventType, amount); err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	metrics.LedgerAppendsTotal.WithLabelValues(string(e.mode), eventType).Inc()

	switch e.mode {
	case config.LedgerOff:
		return &AppendResult{Mode: e.mode, Disabled: true}, nil

	case config.LedgerShadow:
		pending, created, err := e.pending.Append(ctx, &persistence.PendingEntry{
			UserID:         userID,
			EventType:      eventType,
			ReasonCode:     reasonCode,
			Amount:         amount,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("shadow append failed: %w", err)
		}
		return &AppendResult{Mode: e.mode, Duplicate: !created, Pending: pending}, nil

	case config.LedgerLive:
		entry, created, err := e.ledger.Append(ctx, &persistence.LedgerEntry{
			UserID:         userID,
			EventType:      eventType,
			ReasonCode:     reasonCode,
			Amount:         amount,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("ledger append failed: %w", err)
		}
		if !created {
			log.Debug().Str("idempotency_key", idempotencyKey).Msg("ledger append deduplicated")
		}
		return &AppendResult{Mode: e.mode, Duplicate: !created, Entry: entry}, nil

	default:
		return nil, fmt.Errorf("unknown ledger mode %q", e.mode)
	}
}

// Spend decreases a user's balance for a redemption. Overdrafts are
// rejected; a spend may not take the balance negative.
func (e *Engine) Spend(ctx context.Context, userID string, amount int64, metadata map[string]interface{}, idempotencyKey string) (*AppendResult, error) {
	if amount <= 0 {
		return nil, &IntegrityError{EventType: EventSpend, Amount: amount, Detail: "spend amount must be positive"}
	}
	if e.mode == config.LedgerLive {
		balance, err := e.balances.Get(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("balance check failed: %w", err)
		}
		if balance < amount {
			return nil, &IntegrityError{EventType: EventSpend, Amount: -amount,
				Detail: fmt.Sprintf("insufficient balance %d", balance)}
		}
	}
	return e.Append(ctx, userID, EventSpend, ReasonSpend, -amount, metadata, idempotencyKey)
}

// Penalize decreases a user's balance for a policy violation. Unlike
// Spend, a penalty may take the balance negative.
func (e *Engine) Penalize(ctx context.Context, userID string, amount int64, metadata map[string]interface{}, idempotencyKey string) (*AppendResult, error) {
	if amount <= 0 {
		return nil, &IntegrityError{EventType: EventPenalty, Amount: amount, Detail: "penalty amount must be positive"}
	}
	return e.Append(ctx, userID, EventPenalty, ReasonPolicyPenalty, -amount, metadata, idempotencyKey)
}

// Balance returns the cached balance for a user.
func (e *Engine) Balance(ctx context.Context, userID string) (int64, error) {
	return e.balances.Get(ctx, userID)
}

// History returns the user's most recent ledger entries.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]persistence.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.ledger.ListByUser(ctx, userID, limit)
}

// validateAmount enforces the sign invariants per event type.
func validateAmount(eventType string, amount int64) error {
	switch eventType {
	case EventEarn:
		if amount <= 0 {
			return &IntegrityError{EventType: eventType, Amount: amount, Detail: "EARN must be positive"}
		}
	case EventSpend:
		if amount >= 0 {
			return &IntegrityError{EventType: eventType, Amount: amount, Detail: "SPEND must be negative"}
		}
	case EventPenalty:
		if amount >= 0 {
			return &IntegrityError{EventType: eventType, Amount: amount, Detail: "PENALTY must be negative"}
		}
	case EventAdjustment:
		if amount == 0 {
			return &IntegrityError{EventType: eventType, Amount: amount, Detail: "ADJUSTMENT must be nonzero"}
		}
	default:
		return &IntegrityError{EventType: eventType, Amount: amount, Detail: "unknown event type"}
	}
	return nil
}
