package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// Stage names, in execution order. The policy gate sits between writer and
// publish_intent but is not a Stage; it runs directly in the orchestrator
// and is the only step allowed to block.
const (
	StageStrategy  = "strategy"
	StageResearch  = "research"
	StageWriter    = "writer"
	StageGate      = "policy_gate"
	StagePublish   = "publish_intent"
	StageAnalytics = "analytics_intent"
)

// Stage is one advisory pipeline step. Run reads the workflow and returns
// the artifacts it produced as a payload; it never mutates the workflow
// directly, so a degraded (cached) payload replays identically.
type Stage interface {
	Name() string
	Run(ctx context.Context, wf *Workflow) (map[string]interface{}, error)
}

// DraftFunc supplies the generated draft for a request. The default reads
// the draft the external writer collaborator attached to the request.
type DraftFunc func(ctx context.Context, req Request) (string, error)

type strategyStage struct{}

// NewStrategyStage derives the content angle from the request topic.
func NewStrategyStage() Stage { return strategyStage{} }

func (strategyStage) Name() string { return StageStrategy }

func (strategyStage) Run(ctx context.Context, wf *Workflow) (map[string]interface{}, error) {
	topic := strings.TrimSpace(wf.Request.Topic)
	if topic == "" {
		return nil, fmt.Errorf("request has no topic")
	}
	angle := fmt.Sprintf("%s, framed for %s", topic, strings.ToLower(wf.Request.Platform))
	return map[string]interface{}{"angle": angle}, nil
}

type researchStage struct{}

// NewResearchStage collects the citations attached to the request.
func NewResearchStage() Stage { return researchStage{} }

func (researchStage) Name() string { return StageResearch }

func (researchStage) Run(ctx context.Context, wf *Workflow) (map[string]interface{}, error) {
	citations := make([]string, 0, len(wf.Request.Citations))
	for _, c := range wf.Request.Citations {
		if strings.TrimSpace(c) != "" {
			citations = append(citations, c)
		}
	}
	return map[string]interface{}{
		"citations":      citations,
		"citation_count": len(citations),
	}, nil
}

type writerStage struct {
	draft DraftFunc
}

// NewWriterStage produces the draft content via the given supplier.
func NewWriterStage(fn DraftFunc) Stage {
	if fn == nil {
		fn = requestDraft
	}
	return writerStage{draft: fn}
}

func requestDraft(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Draft) == "" {
		return "", fmt.Errorf("no draft supplied by writer")
	}
	return req.Draft, nil
}

func (writerStage) Name() string { return StageWriter }

func (s writerStage) Run(ctx context.Context, wf *Workflow) (map[string]interface{}, error) {
	content, err := s.draft(ctx, wf.Request)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"content": content,
		"length":  len(content),
	}, nil
}

type publishIntentStage struct{}

// NewPublishIntentStage records the intent handed to the publish
// collaborator: the decision outcome and whether publish would be blocked.
func NewPublishIntentStage() Stage { return publishIntentStage{} }

func (publishIntentStage) Name() string { return StagePublish }

func (publishIntentStage) Run(ctx context.Context, wf *Workflow) (map[string]interface{}, error) {
	if wf.Decision == nil {
		return nil, fmt.Errorf("no gate decision recorded")
	}
	return map[string]interface{}{
		"decision":    string(wf.Decision.Status),
		"would_block": wf.WouldBlock,
		"platform":    wf.Request.Platform,
	}, nil
}

type analyticsIntentStage struct{}

// NewAnalyticsIntentStage records the analytics event the downstream
// consumer will emit for this workflow.
func NewAnalyticsIntentStage() Stage { return analyticsIntentStage{} }

func (analyticsIntentStage) Name() string { return StageAnalytics }

func (analyticsIntentStage) Run(ctx context.Context, wf *Workflow) (map[string]interface{}, error) {
	if wf.Decision == nil {
		return nil, fmt.Errorf("no gate decision recorded")
	}
	return map[string]interface{}{
		"decision":   string(wf.Decision.Status),
		"violations": len(wf.Decision.ViolationCodes),
		"degraded":   wf.DegradedStages(),
	}, nil
}
