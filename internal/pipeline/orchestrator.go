package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/postforge/postforge/internal/audit"
	"github.com/postforge/postforge/internal/breaker"
	"github.com/postforge/postforge/internal/config"
	"github.com/postforge/postforge/internal/metrics"
	"github.com/postforge/postforge/internal/policy"
	"github.com/postforge/postforge/internal/receipt"
)

// Stage outcome statuses and failure classes.
const (
	StatusOK       = "OK"
	StatusDegraded = "DEGRADED"
	StatusFailed   = "FAILED"

	ClassInfra  = "infra"
	ClassPolicy = "policy"
)

// Request is one content-generation request from a collaborator. Draft and
// Citations come from the external writer component.
type Request struct {
	UserID     string   `json:"user_id"`
	Platform   string   `json:"platform"`
	Topic      string   `json:"topic"`
	Draft      string   `json:"draft"`
	PolicyTags []string `json:"policy_tags"`
	Citations  []string `json:"citations"`
}

// Workflow is the in-flight state of one request as it moves through the
// stages. Terminal once the gate and intent stages complete; never mutated
// after.
type Workflow struct {
	ID         string
	Request    Request
	Angle      string
	Content    string
	Citations  []string
	Stages     []StageOutcome
	Decision   *policy.Decision
	WouldBlock bool
}

// StageOutcome records one stage's result. Failures are classified, never
// dropped.
type StageOutcome struct {
	Stage   string                 `json:"stage"`
	Status  string                 `json:"status"`
	Class   string                 `json:"class,omitempty"`
	Detail  string                 `json:"detail,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// DegradedStages returns the names of stages served from a breaker's last
// known good output.
func (wf *Workflow) DegradedStages() []string {
	var out []string
	for _, s := range wf.Stages {
		if s.Status == StatusDegraded {
			out = append(out, s.Stage)
		}
	}
	return out
}

// apply folds a stage payload into the workflow. Both fresh and degraded
// payloads go through here, so a cached result replays identically.
func (wf *Workflow) apply(payload map[string]interface{}) {
	if v, ok := payload["angle"].(string); ok {
		wf.Angle = v
	}
	if v, ok := payload["content"].(string); ok {
		wf.Content = v
	}
	if v, ok := payload["citations"].([]string); ok {
		wf.Citations = v
	}
}

// Bundle is the terminal decision bundle handed back to the calling
// collaborator.
type Bundle struct {
	WorkflowID string            `json:"workflow_id"`
	Decisions  []policy.Decision `json:"decisions"`
	QASummary  string            `json:"qa_summary"`
	AuditOK    bool              `json:"audit_ok"`
	WouldBlock bool              `json:"would_block"`
	ReceiptID  string            `json:"receipt_id,omitempty"`
	Stages     []StageOutcome    `json:"stages"`
}

// Orchestrator runs the ordered stages for one request and assembles the
// decision bundle. Advisory stages run behind the keyed breaker; the policy
// gate never does, and is the only step that can block.
type Orchestrator struct {
	mode      config.EnforcementMode
	evaluator *policy.Evaluator
	recorder  *audit.Recorder
	receipts  *receipt.Service
	breakers  *breaker.Keyed
	preGate   []Stage
	postGate  []Stage
}

// NewOrchestrator wires the pipeline with the default stage set. A nil
// draft supplier reads the draft from the request.
func NewOrchestrator(mode config.EnforcementMode, evaluator *policy.Evaluator, recorder *audit.Recorder,
	receipts *receipt.Service, breakers *breaker.Keyed, draft DraftFunc) *Orchestrator {
	return &Orchestrator{
		mode:      mode,
		evaluator: evaluator,
		recorder:  recorder,
		receipts:  receipts,
		breakers:  breakers,
		preGate:   []Stage{NewStrategyStage(), NewResearchStage(), NewWriterStage(draft)},
		postGate:  []Stage{NewPublishIntentStage(), NewAnalyticsIntentStage()},
	}
}

// WithPreGateStages replaces the stages that run before the gate. Tests
// only.
func (o *Orchestrator) WithPreGateStages(stages ...Stage) *Orchestrator {
	o.preGate = stages
	return o
}

// Run executes the workflow for one request. It always returns a bundle;
// advisory stage failures degrade the bundle, they never abort it.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Bundle, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("request has no user id")
	}

	wf := &Workflow{ID: uuid.NewString(), Request: req}
	auditOK := true

	for _, st := range o.preGate {
		o.runAdvisory(ctx, wf, st, &auditOK)
	}

	decision := o.evaluator.Evaluate(policy.Input{
		Content:    wf.Content,
		Platform:   req.Platform,
		PolicyTags: req.PolicyTags,
		Citations:  wf.Citations,
	})
	wf.Decision = &decision
	wf.WouldBlock = o.mode == config.EnforcementEnforced && decision.Blocked()
	metrics.DecisionsTotal.WithLabelValues(string(decision.Status)).Inc()

	gate := StageOutcome{Stage: StageGate, Status: string(decision.Status)}
	if decision.Blocked() {
		gate.Class = ClassPolicy
		gate.Detail = strings.Join(decision.ViolationCodes, ", ")
		metrics.StageFailuresTotal.WithLabelValues(StageGate, ClassPolicy).Inc()
	}
	wf.Stages = append(wf.Stages, gate)
	if err := o.recorder.Decision(ctx, wf.ID, req.UserID, req.Platform, string(decision.Status), decision.ViolationCodes); err != nil {
		auditOK = false
		log.Error().Err(err).Str("workflow_id", wf.ID).Msg("decision audit write failed")
	}

	for _, st := range o.postGate {
		o.runAdvisory(ctx, wf, st, &auditOK)
	}

	receiptID := o.issueReceipt(ctx, wf, decision, auditOK)

	bundle := &Bundle{
		WorkflowID: wf.ID,
		Decisions:  []policy.Decision{decision},
		QASummary:  summarize(decision, wf.DegradedStages()),
		AuditOK:    auditOK,
		WouldBlock: wf.WouldBlock,
		ReceiptID:  receiptID,
		Stages:     wf.Stages,
	}

	log.Info().
		Str("workflow_id", wf.ID).
		Str("user_id", req.UserID).
		Str("platform", req.Platform).
		Str("decision", string(decision.Status)).
		Bool("would_block", bundle.WouldBlock).
		Bool("audit_ok", auditOK).
		Msg("workflow complete")
	return bundle, nil
}

func (o *Orchestrator) runAdvisory(ctx context.Context, wf *Workflow, st Stage, auditOK *bool) {
	out, degraded, err := o.breakers.Execute(st.Name(), func() (interface{}, error) {
		return st.Run(ctx, wf)
	})

	outcome := StageOutcome{Stage: st.Name()}
	switch {
	case err != nil:
		outcome.Status = StatusFailed
		outcome.Class = ClassInfra
		outcome.Detail = err.Error()
		metrics.StageFailuresTotal.WithLabelValues(st.Name(), ClassInfra).Inc()
		log.Warn().Err(err).Str("workflow_id", wf.ID).Str("stage", st.Name()).Msg("stage failed")
	default:
		payload, _ := out.(map[string]interface{})
		wf.apply(payload)
		outcome.Payload = payload
		if degraded {
			outcome.Status = StatusDegraded
			metrics.BreakerDegradedTotal.WithLabelValues(st.Name()).Inc()
		} else {
			outcome.Status = StatusOK
		}
	}
	wf.Stages = append(wf.Stages, outcome)

	if aErr := o.recorder.StageResult(ctx, wf.ID, wf.Request.UserID, wf.Request.Platform, st.Name(), outcome.Status, outcome.Payload); aErr != nil {
		*auditOK = false
		log.Error().Err(aErr).Str("workflow_id", wf.ID).Str("stage", st.Name()).Msg("stage audit write failed")
	}
}

// issueReceipt mints the enforcement receipt for the bundle. An unaudited
// PASS in enforced mode gets no receipt: it must never silently authorize a
// downstream publish.
func (o *Orchestrator) issueReceipt(ctx context.Context, wf *Workflow, decision policy.Decision, auditOK bool) string {
	if o.mode == config.EnforcementEnforced && !decision.Blocked() && !auditOK {
		log.Warn().Str("workflow_id", wf.ID).Msg("unaudited PASS in enforced mode, receipt withheld")
		return ""
	}

	rec, err := o.receipts.Issue(ctx, wf.ID, wf.Request.UserID, string(decision.Status), auditOK, o.mode)
	if err != nil {
		log.Error().Err(err).Str("workflow_id", wf.ID).Msg("receipt issuance failed")
		return ""
	}
	return rec.RequestID
}

func summarize(d policy.Decision, degraded []string) string {
	var b strings.Builder
	if d.Blocked() {
		fmt.Fprintf(&b, "%d violation(s): %s", len(d.ViolationCodes), strings.Join(d.ViolationCodes, ", "))
	} else {
		b.WriteString("all checks passed")
	}
	if len(degraded) > 0 {
		fmt.Fprintf(&b, "; degraded stages: %s", strings.Join(degraded, ", "))
	}
	return b.String()
}
