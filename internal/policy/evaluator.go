package policy

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/postforge/postforge/internal/config"
)

// Status is the terminal outcome of the policy gate.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Canonical violation codes. Every check emits exactly one code; codes are
// stable across releases and are the contract with collaborators.
const (
	CodeProfanity       = "PROFANITY"
	CodeLengthExceeded  = "LENGTH_EXCEEDED"
	CodePlatformTerm    = "PLATFORM_TERM"
	CodeMissingTag      = "MISSING_TAG"
	CodeMissingCitation = "MISSING_CITATION"
)

// Decision is the single canonical gate outcome. It is produced only by
// Evaluator.Evaluate and normalized here; nothing downstream re-derives or
// re-cases it.
type Decision struct {
	Status         Status   `json:"status"`
	ViolationCodes []string `json:"violation_codes"`
	RequiredEdits  []string `json:"required_edits"`
}

// Blocked reports whether the decision is a FAIL.
func (d Decision) Blocked() bool {
	return d.Status == StatusFail
}

// Input carries everything the gate evaluates. No field is read from the
// environment; identical input always yields an identical Decision.
type Input struct {
	Content    string   `json:"content"`
	Platform   string   `json:"platform"`
	PolicyTags []string `json:"policy_tags"`
	Citations  []string `json:"citations"`
}

// Evaluator runs the deterministic content-policy checks. Each check is
// independent; aggregation order never changes the outcome.
type Evaluator struct {
	cfg *config.PolicyConfig
}

// NewEvaluator creates an evaluator over the given rule set.
func NewEvaluator(cfg *config.PolicyConfig) *Evaluator {
	if cfg == nil {
		cfg = config.DefaultPolicyConfig()
	}
	return &Evaluator{cfg: cfg}
}

// Evaluate runs every check and aggregates violations into one Decision.
func (e *Evaluator) Evaluate(in Input) Decision {
	d := Decision{Status: StatusPass, ViolationCodes: []string{}, RequiredEdits: []string{}}

	platform, known := e.cfg.Platform(in.Platform)

	e.checkBannedTerms(in, &d)
	if known {
		e.checkLength(in, platform, &d)
		e.checkPlatformTerms(in, platform, &d)
		e.checkRequiredTags(in, platform, &d)
	}
	e.checkCitations(in, &d)

	if len(d.ViolationCodes) > 0 {
		d.Status = StatusFail
	}
	return d
}

func (e *Evaluator) checkBannedTerms(in Input, d *Decision) {
	content := strings.ToLower(in.Content)
	for _, term := range e.cfg.BannedTerms {
		if term != "" && strings.Contains(content, strings.ToLower(term)) {
			d.add(CodeProfanity, fmt.Sprintf("Remove the banned term %q from the draft", term))
		}
	}
}

func (e *Evaluator) checkLength(in Input, platform config.PlatformPolicy, d *Decision) {
	n := utf8.RuneCountInString(in.Content)
	if platform.MaxLength > 0 && n > platform.MaxLength {
		d.add(CodeLengthExceeded, fmt.Sprintf("Shorten the draft to %d characters for %s (currently %d)",
			platform.MaxLength, strings.ToLower(in.Platform), n))
	}
}

func (e *Evaluator) checkPlatformTerms(in Input, platform config.PlatformPolicy, d *Decision) {
	content := strings.ToLower(in.Content)
	for _, term := range platform.BannedTerms {
		if term != "" && strings.Contains(content, strings.ToLower(term)) {
			d.add(CodePlatformTerm, fmt.Sprintf("Remove the term %q, which %s does not allow",
				term, strings.ToLower(in.Platform)))
		}
	}
}

func (e *Evaluator) checkRequiredTags(in Input, platform config.PlatformPolicy, d *Decision) {
	have := make(map[string]bool, len(in.PolicyTags))
	for _, t := range in.PolicyTags {
		have[strings.ToLower(t)] = true
	}
	for _, tag := range platform.RequiredTags {
		if !have[strings.ToLower(tag)] {
			d.add(CodeMissingTag, fmt.Sprintf("Add the required %q tag for %s",
				tag, strings.ToLower(in.Platform)))
		}
	}
}

func (e *Evaluator) checkCitations(in Input, d *Decision) {
	if e.cfg.MinCitations > 0 && len(in.Citations) < e.cfg.MinCitations {
		d.add(CodeMissingCitation, fmt.Sprintf("Add at least %d citation(s) supporting factual claims (found %d)",
			e.cfg.MinCitations, len(in.Citations)))
	}
}

func (d *Decision) add(code, remediation string) {
	d.ViolationCodes = append(d.ViolationCodes, code)
	d.RequiredEdits = append(d.RequiredEdits, remediation)
}
