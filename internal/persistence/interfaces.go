package persistence

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all repository implementations.
var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrImmutable is returned on any attempt to update or delete an
	// append-only row (audit records and ledger entries).
	ErrImmutable = errors.New("row is append-only")
)

// AuditRecord is one immutable row per pipeline stage result or terminal
// decision. Rows are keyed by workflow and never updated or deleted.
type AuditRecord struct {
	ID         int64                  `json:"id" db:"id"`
	WorkflowID string                 `json:"workflow_id" db:"workflow_id"`
	UserID     string                 `json:"user_id" db:"user_id"`
	Platform   string                 `json:"platform" db:"platform"`
	Stage      string                 `json:"stage" db:"stage"`
	Status     string                 `json:"status" db:"status"`
	Payload    map[string]interface{} `json:"payload" db:"payload"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// Receipt is a time-limited, single-use authorization token binding a
// request id to its policy decision. ConsumedAt is nil until the one
// successful consume.
type Receipt struct {
	RequestID      string     `json:"request_id" db:"request_id"`
	WorkflowID     string     `json:"workflow_id" db:"workflow_id"`
	UserID         string     `json:"user_id" db:"user_id"`
	DecisionStatus string     `json:"decision_status" db:"decision_status"`
	AuditOK        bool       `json:"audit_ok" db:"audit_ok"`
	Mode           string     `json:"mode" db:"mode"`
	IssuedAt       time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt      time.Time  `json:"expires_at" db:"expires_at"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
	ConsumedBy     string     `json:"consumed_by,omitempty" db:"consumed_by"`
}

// Expired reports whether the receipt TTL has elapsed at the given instant.
func (r *Receipt) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Consumed reports whether the receipt has already been consumed.
func (r *Receipt) Consumed() bool {
	return r.ConsumedAt != nil
}

// LedgerEntry is one immutable balance-changing row. BalanceAfter is the
// user's running balance including this entry and is computed atomically
// with the insert.
type LedgerEntry struct {
	ID             int64                  `json:"id" db:"id"`
	UserID         string                 `json:"user_id" db:"user_id"`
	EventType      string                 `json:"event_type" db:"event_type"`
	ReasonCode     string                 `json:"reason_code" db:"reason_code"`
	Amount         int64                  `json:"amount" db:"amount"`
	BalanceAfter   int64                  `json:"balance_after" db:"balance_after"`
	IdempotencyKey string                 `json:"idempotency_key" db:"idempotency_key"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// PendingEntry is the shadow-mode counterpart of LedgerEntry. It records
// what would have been appended without touching any real balance, so it
// carries no BalanceAfter.
type PendingEntry struct {
	ID             int64                  `json:"id" db:"id"`
	UserID         string                 `json:"user_id" db:"user_id"`
	EventType      string                 `json:"event_type" db:"event_type"`
	ReasonCode     string                 `json:"reason_code" db:"reason_code"`
	Amount         int64                  `json:"amount" db:"amount"`
	IdempotencyKey string                 `json:"idempotency_key" db:"idempotency_key"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// GuardrailState is the per-user anti-gaming counter row. It is upserted
// exactly once per issuance attempt through GuardrailRepo.Mutate and reset
// when now >= ResetAt.
type GuardrailState struct {
	UserID     string      `json:"user_id" db:"user_id"`
	DailyCount int         `json:"daily_count" db:"daily_count"`
	DailyTotal int64       `json:"daily_total" db:"daily_total"`
	LastEarnAt *time.Time  `json:"last_earn_at,omitempty" db:"last_earn_at"`
	RecentEarn []time.Time `json:"recent_earns,omitempty" db:"recent_earns"`
	ResetAt    time.Time   `json:"reset_at" db:"reset_at"`
	UpdatedAt  time.Time   `json:"updated_at" db:"updated_at"`
}

// AuditRepo provides append-only audit persistence. There is deliberately
// no update or delete.
type AuditRepo interface {
	// Append inserts one audit row and fills ID/CreatedAt.
	Append(ctx context.Context, rec *AuditRecord) error

	// ListByWorkflow returns all rows for a workflow in insertion order.
	ListByWorkflow(ctx context.Context, workflowID string) ([]AuditRecord, error)

	// CountByWorkflow returns the number of rows recorded for a workflow.
	CountByWorkflow(ctx context.Context, workflowID string) (int64, error)
}

// ReceiptRepo persists enforcement receipts.
type ReceiptRepo interface {
	// Insert stores a freshly issued receipt.
	Insert(ctx context.Context, r *Receipt) error

	// Get returns the receipt for a request id or ErrNotFound.
	Get(ctx context.Context, requestID string) (*Receipt, error)

	// MarkConsumed atomically transitions unconsumed->consumed for an
	// unexpired receipt, recording which caller consumed it. It reports
	// true only for the single caller that won the transition; concurrent
	// callers for the same request id see false with a nil error.
	MarkConsumed(ctx context.Context, requestID, consumedBy string, now time.Time) (bool, error)

	// DeleteExpired removes receipts whose TTL elapsed before the cutoff
	// and returns the number removed. Expiry sweeping runs off the request
	// path.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// LedgerRepo persists the append-only token ledger and the authoritative
// cached balance, atomically.
type LedgerRepo interface {
	// Append inserts one ledger row with BalanceAfter computed from the
	// user's current balance, and updates the cached balance in the same
	// transaction. A repeated idempotency key returns the original row
	// with created=false and performs no write.
	Append(ctx context.Context, e *LedgerEntry) (entry *LedgerEntry, created bool, err error)

	// GetByIdempotencyKey returns the entry previously appended under the
	// key, or ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error)

	// SumByUser returns the ledger-derived balance: sum of all entry
	// amounts for the user.
	SumByUser(ctx context.Context, userID string) (int64, error)

	// ListByUser returns the user's entries, most recent first. A limit
	// of zero or less returns all entries.
	ListByUser(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)

	// Users returns every user id that has at least one ledger entry.
	Users(ctx context.Context) ([]string, error)
}

// PendingRepo persists shadow-mode entries. Pending rows never affect any
// balance.
type PendingRepo interface {
	// Append inserts one pending row unless the idempotency key was seen
	// before, in which case the original row is returned with
	// created=false.
	Append(ctx context.Context, e *PendingEntry) (entry *PendingEntry, created bool, err error)

	// GetByIdempotencyKey returns the row previously appended under the
	// key, or ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (*PendingEntry, error)

	// ListByUser returns the user's pending entries, most recent first.
	ListByUser(ctx context.Context, userID string, limit int) ([]PendingEntry, error)
}

// BalanceRepo reads and writes the cached per-user balance. Writes happen
// only inside LedgerRepo.Append transactions and from the reconciliation
// job in live mode.
type BalanceRepo interface {
	// Get returns the cached balance, zero for unknown users.
	Get(ctx context.Context, userID string) (int64, error)

	// Set overwrites the cached balance. Reconciliation-only.
	Set(ctx context.Context, userID string, balance int64) error
}

// GuardrailRepo provides the single-writer read-modify-write cycle for
// per-user guardrail state.
type GuardrailRepo interface {
	// Mutate loads (or initializes) the user's state, applies fn under an
	// exclusive per-user lock, and persists the result. Two concurrent
	// calls for the same user serialize; fn returning an error aborts the
	// write.
	Mutate(ctx context.Context, userID string, fn func(*GuardrailState) error) (*GuardrailState, error)

	// Get returns the current state without mutating, or ErrNotFound.
	Get(ctx context.Context, userID string) (*GuardrailState, error)
}

// Repository aggregates all persistence interfaces behind one handle.
type Repository struct {
	Audit      AuditRepo
	Receipts   ReceiptRepo
	Ledger     LedgerRepo
	Pending    PendingRepo
	Balances   BalanceRepo
	Guardrails GuardrailRepo
}
