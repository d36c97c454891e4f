package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/internal/audit"
	"github.com/postforge/postforge/internal/breaker"
	"github.com/postforge/postforge/internal/config"
	"github.com/postforge/postforge/internal/persistence"
	"github.com/postforge/postforge/internal/policy"
	"github.com/postforge/postforge/internal/receipt"
)

type pipelineFixture struct {
	repo     *persistence.Repository
	receipts *receipt.Service
	orch     *Orchestrator
}

func newPipelineFixture(mode config.EnforcementMode) *pipelineFixture {
	repo := persistence.NewMemoryRepository()
	receipts := receipt.NewService(repo.Receipts, 15*time.Minute)
	orch := NewOrchestrator(mode,
		policy.NewEvaluator(nil),
		audit.NewRecorder(repo.Audit),
		receipts,
		breaker.NewKeyed(breaker.DefaultConfig()),
		nil)
	return &pipelineFixture{repo: repo, receipts: receipts, orch: orch}
}

func cleanRequest() Request {
	return Request{
		UserID:    "user-1",
		Platform:  "twitter",
		Topic:     "compounding habits",
		Draft:     "Small habits compound into outsized results over a year.",
		Citations: []string{"https://example.com/habits-study"},
	}
}

func TestRun_CleanDraftPasses(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(config.EnforcementEnforced)

	bundle, err := f.orch.Run(ctx, cleanRequest())
	require.NoError(t, err)

	require.Len(t, bundle.Decisions, 1)
	assert.Equal(t, policy.StatusPass, bundle.Decisions[0].Status)
	assert.False(t, bundle.WouldBlock)
	assert.True(t, bundle.AuditOK)
	assert.Equal(t, "all checks passed", bundle.QASummary)
	require.NotEmpty(t, bundle.ReceiptID)

	// One outcome per stage plus the gate.
	assert.Len(t, bundle.Stages, 6)

	rec, err := f.receipts.Lookup(ctx, bundle.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, "PASS", rec.DecisionStatus)
	assert.True(t, rec.AuditOK)
	assert.Equal(t, bundle.WorkflowID, rec.WorkflowID)

	trail, err := f.repo.Audit.ListByWorkflow(ctx, bundle.WorkflowID)
	require.NoError(t, err)
	assert.Len(t, trail, 6)
}

func TestRun_BannedTermBlocksEndToEnd(t *testing.T) {
	ctx := context.Background()
	req := cleanRequest()
	req.Draft = "These are guaranteed returns, trust me."

	// Enforced mode: the FAIL would block publish.
	f := newPipelineFixture(config.EnforcementEnforced)
	bundle, err := f.orch.Run(ctx, req)
	require.NoError(t, err)

	require.Len(t, bundle.Decisions, 1)
	d := bundle.Decisions[0]
	assert.Equal(t, policy.StatusFail, d.Status)
	assert.Contains(t, d.ViolationCodes, policy.CodeProfanity)
	require.NotEmpty(t, d.RequiredEdits)
	assert.Contains(t, d.RequiredEdits[0], "guaranteed returns")
	assert.True(t, bundle.WouldBlock)

	// Advisory mode: same decision, no block.
	f = newPipelineFixture(config.EnforcementAdvisory)
	bundle, err = f.orch.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, policy.StatusFail, bundle.Decisions[0].Status)
	assert.False(t, bundle.WouldBlock)

	// A receipt may exist for the FAIL, but never a PASS receipt.
	if bundle.ReceiptID != "" {
		rec, err := f.receipts.Lookup(ctx, bundle.ReceiptID)
		require.NoError(t, err)
		assert.Equal(t, "FAIL", rec.DecisionStatus)
	}
}

type failingStage struct {
	name string
	err  error
}

func (s failingStage) Name() string { return s.name }
func (s failingStage) Run(ctx context.Context, wf *Workflow) (map[string]interface{}, error) {
	return nil, s.err
}

func TestRun_StageFailureRecordedNotDropped(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(config.EnforcementAdvisory)
	f.orch.WithPreGateStages(
		NewStrategyStage(),
		failingStage{name: StageResearch, err: errors.New("search backend down")},
		NewWriterStage(nil),
	)

	bundle, err := f.orch.Run(ctx, cleanRequest())
	require.NoError(t, err)

	var research *StageOutcome
	for i := range bundle.Stages {
		if bundle.Stages[i].Stage == StageResearch {
			research = &bundle.Stages[i]
		}
	}
	require.NotNil(t, research)
	assert.Equal(t, StatusFailed, research.Status)
	assert.Equal(t, ClassInfra, research.Class)
	assert.Contains(t, research.Detail, "search backend down")

	// The workflow still reached a decision; only the gate blocks.
	require.Len(t, bundle.Decisions, 1)
}

type flakyStage struct {
	name  string
	calls int
	okFor int
}

func (s *flakyStage) Name() string { return s.name }
func (s *flakyStage) Run(ctx context.Context, wf *Workflow) (map[string]interface{}, error) {
	s.calls++
	if s.calls <= s.okFor {
		return map[string]interface{}{"content": "cached good draft with a citation"}, nil
	}
	return nil, errors.New("writer backend down")
}

func TestRun_BreakerServesLastGoodAfterTrip(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(config.EnforcementAdvisory)
	stage := &flakyStage{name: StageWriter, okFor: 1}
	f.orch.WithPreGateStages(NewStrategyStage(), NewResearchStage(), stage)

	req := cleanRequest()
	req.Draft = ""

	// First run succeeds and seeds the last known good output.
	bundle, err := f.orch.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, stageStatus(t, bundle, StageWriter))

	// Three consecutive failures trip the writer circuit.
	for i := 0; i < 3; i++ {
		bundle, err = f.orch.Run(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, stageStatus(t, bundle, StageWriter))
	}

	// With the circuit open, the cached output is served degraded.
	bundle, err = f.orch.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, stageStatus(t, bundle, StageWriter))
	assert.Contains(t, bundle.QASummary, "degraded stages: writer")
	assert.Equal(t, policy.StatusPass, bundle.Decisions[0].Status)
}

func stageStatus(t *testing.T, bundle *Bundle, stage string) string {
	t.Helper()
	for _, s := range bundle.Stages {
		if s.Stage == stage {
			return s.Status
		}
	}
	t.Fatalf("stage %s not found in bundle", stage)
	return ""
}

type failingAuditRepo struct{}

func (failingAuditRepo) Append(ctx context.Context, rec *persistence.AuditRecord) error {
	return errors.New("audit store unavailable")
}
func (failingAuditRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]persistence.AuditRecord, error) {
	return nil, nil
}
func (failingAuditRepo) CountByWorkflow(ctx context.Context, workflowID string) (int64, error) {
	return 0, nil
}

func TestRun_UnauditedPassFailsClosedInEnforcedMode(t *testing.T) {
	ctx := context.Background()
	repo := persistence.NewMemoryRepository()
	receipts := receipt.NewService(repo.Receipts, 15*time.Minute)
	orch := NewOrchestrator(config.EnforcementEnforced,
		policy.NewEvaluator(nil),
		audit.NewRecorder(failingAuditRepo{}),
		receipts,
		breaker.NewKeyed(breaker.DefaultConfig()),
		nil)

	bundle, err := orch.Run(ctx, cleanRequest())
	require.NoError(t, err)
	assert.Equal(t, policy.StatusPass, bundle.Decisions[0].Status)
	assert.False(t, bundle.AuditOK)
	assert.Empty(t, bundle.ReceiptID)
}

func TestRun_UnauditedPassStillGetsReceiptInAdvisoryMode(t *testing.T) {
	ctx := context.Background()
	repo := persistence.NewMemoryRepository()
	receipts := receipt.NewService(repo.Receipts, 15*time.Minute)
	orch := NewOrchestrator(config.EnforcementAdvisory,
		policy.NewEvaluator(nil),
		audit.NewRecorder(failingAuditRepo{}),
		receipts,
		breaker.NewKeyed(breaker.DefaultConfig()),
		nil)

	bundle, err := orch.Run(ctx, cleanRequest())
	require.NoError(t, err)
	assert.False(t, bundle.AuditOK)
	require.NotEmpty(t, bundle.ReceiptID)

	rec, err := receipts.Lookup(ctx, bundle.ReceiptID)
	require.NoError(t, err)
	assert.False(t, rec.AuditOK)
}

func TestRun_RejectsMissingUser(t *testing.T) {
	f := newPipelineFixture(config.EnforcementAdvisory)
	req := cleanRequest()
	req.UserID = ""

	_, err := f.orch.Run(context.Background(), req)
	assert.Error(t, err)
}
