package persistence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// NewMemoryRepository returns a Repository backed entirely by process
// memory. It honors the same atomicity contracts as the postgres
// implementation and backs unit tests and storage-less dev mode. The
// ledger and balance views share one store, matching the postgres layout
// where both live in the same database.
func NewMemoryRepository() *Repository {
	ledger := newMemoryLedger()
	return &Repository{
		Audit:      NewMemoryAuditRepo(),
		Receipts:   NewMemoryReceiptRepo(),
		Ledger:     ledger,
		Pending:    NewMemoryPendingRepo(),
		Balances:   ledger.balances,
		Guardrails: NewMemoryGuardrailRepo(),
	}
}

// memoryAuditRepo is an append-only in-memory audit store.
type memoryAuditRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   []AuditRecord
}

// NewMemoryAuditRepo returns an empty in-memory audit repo.
func NewMemoryAuditRepo() AuditRepo {
	return &memoryAuditRepo{nextID: 1}
}

func (m *memoryAuditRepo) Append(ctx context.Context, rec *AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextID
	m.nextID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.rows = append(m.rows, *rec)
	return nil
}

func (m *memoryAuditRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditRecord
	for _, r := range m.rows {
		if r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryAuditRepo) CountByWorkflow(ctx context.Context, workflowID string) (int64, error) {
	rows, err := m.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// memoryReceiptRepo stores receipts keyed by request id. MarkConsumed is
// serialized by the store mutex so exactly one concurrent caller wins.
type memoryReceiptRepo struct {
	mu   sync.Mutex
	rows map[string]*Receipt
}

// NewMemoryReceiptRepo returns an empty in-memory receipt repo.
func NewMemoryReceiptRepo() ReceiptRepo {
	return &memoryReceiptRepo{rows: make(map[string]*Receipt)}
}

func (m *memoryReceiptRepo) Insert(ctx context.Context, r *Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rows[r.RequestID] = &cp
	return nil
}

func (m *memoryReceiptRepo) Get(ctx context.Context, requestID string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memoryReceiptRepo) MarkConsumed(ctx context.Context, requestID, consumedBy string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Consumed() || r.Expired(now) {
		return false, nil
	}
	ts := now
	r.ConsumedAt = &ts
	r.ConsumedBy = consumedBy
	return true, nil
}

func (m *memoryReceiptRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.rows {
		if r.ExpiresAt.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

// memoryLedger keeps the ledger and the cached balances under one mutex so
// Append stays atomic across both, mirroring the postgres transaction.
type memoryLedger struct {
	mu       sync.Mutex
	nextID   int64
	entries  []LedgerEntry
	byKey    map[string]int // idempotency key -> index into entries
	balances *memoryBalanceRepo
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		nextID:   1,
		byKey:    make(map[string]int),
		balances: &memoryBalanceRepo{m: make(map[string]int64)},
	}
}

func (m *memoryLedger) Append(ctx context.Context, e *LedgerEntry) (*LedgerEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.byKey[e.IdempotencyKey]; ok {
		cp := m.entries[idx]
		return &cp, false, nil
	}
	// Chain from the latest entry, never the cached balance: the cache can
	// drift, and appends made before the next reconcile run must still
	// satisfy balance_after = previous balance_after + amount.
	balance := m.lastBalanceAfter(e.UserID) + e.Amount
	row := *e
	row.ID = m.nextID
	m.nextID++
	row.BalanceAfter = balance
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, row)
	m.byKey[row.IdempotencyKey] = len(m.entries) - 1
	m.balances.set(e.UserID, balance)
	cp := row
	return &cp, true, nil
}

// lastBalanceAfter returns the newest entry's balance_after for a user, or
// zero when the user has no entries. Caller holds the mutex.
func (m *memoryLedger) lastBalanceAfter(userID string) int64 {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID == userID {
			return m.entries[i].BalanceAfter
		}
	}
	return 0
}

func (m *memoryLedger) GetByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := m.entries[idx]
	return &cp, nil
}

func (m *memoryLedger) SumByUser(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *memoryLedger) ListByUser(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID == userID {
			out = append(out, m.entries[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memoryLedger) Users(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, e := range m.entries {
		seen[e.UserID] = true
	}
	var out []string
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// memoryBalanceRepo is the cached-balance view over the memory ledger.
type memoryBalanceRepo struct {
	mu sync.Mutex
	m  map[string]int64
}

func (b *memoryBalanceRepo) get(userID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.m[userID]
}

func (b *memoryBalanceRepo) set(userID string, v int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[userID] = v
}

func (b *memoryBalanceRepo) Get(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return b.get(userID), nil
}

func (b *memoryBalanceRepo) Set(ctx context.Context, userID string, balance int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.set(userID, balance)
	return nil
}

// memoryPendingRepo stores shadow-mode entries.
type memoryPendingRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   []PendingEntry
	byKey  map[string]int
}

// NewMemoryPendingRepo returns an empty in-memory pending store.
func NewMemoryPendingRepo() PendingRepo {
	return &memoryPendingRepo{nextID: 1, byKey: make(map[string]int)}
}

func (m *memoryPendingRepo) Append(ctx context.Context, e *PendingEntry) (*PendingEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.byKey[e.IdempotencyKey]; ok {
		cp := m.rows[idx]
		return &cp, false, nil
	}
	row := *e
	row.ID = m.nextID
	m.nextID++
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	m.rows = append(m.rows, row)
	m.byKey[row.IdempotencyKey] = len(m.rows) - 1
	cp := row
	return &cp, true, nil
}

func (m *memoryPendingRepo) GetByIdempotencyKey(ctx context.Context, key string) (*PendingEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := m.rows[idx]
	return &cp, nil
}

func (m *memoryPendingRepo) ListByUser(ctx context.Context, userID string, limit int) ([]PendingEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingEntry
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].UserID == userID {
			out = append(out, m.rows[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// memoryGuardrailRepo serializes all mutations per user with a dedicated
// lock per key, so concurrent Mutate calls for one user never interleave.
type memoryGuardrailRepo struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	rows  map[string]*GuardrailState
}

// NewMemoryGuardrailRepo returns an empty in-memory guardrail store.
func NewMemoryGuardrailRepo() GuardrailRepo {
	return &memoryGuardrailRepo{
		locks: make(map[string]*sync.Mutex),
		rows:  make(map[string]*GuardrailState),
	}
}

func (m *memoryGuardrailRepo) lockFor(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

func (m *memoryGuardrailRepo) Mutate(ctx context.Context, userID string, fn func(*GuardrailState) error) (*GuardrailState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := m.lockFor(userID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	st, ok := m.rows[userID]
	m.mu.Unlock()

	var work GuardrailState
	if ok {
		work = *st
		work.RecentEarn = append([]time.Time(nil), st.RecentEarn...)
	} else {
		work = GuardrailState{UserID: userID}
	}
	if err := fn(&work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	cp := work
	m.rows[userID] = &cp
	m.mu.Unlock()

	out := work
	return &out, nil
}

func (m *memoryGuardrailRepo) Get(ctx context.Context, userID string) (*GuardrailState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}
