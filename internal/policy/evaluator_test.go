package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/internal/config"
)

func testPolicyConfig() *config.PolicyConfig {
	return &config.PolicyConfig{
		BannedTerms:  []string{"guaranteed returns", "risk-free"},
		MinCitations: 1,
		Platforms: map[string]config.PlatformPolicy{
			"twitter": {
				MaxLength:   280,
				BannedTerms: []string{"follow for follow"},
			},
			"instagram": {
				MaxLength:    2200,
				RequiredTags: []string{"ad"},
			},
		},
	}
}

func TestEvaluate_CleanContentPasses(t *testing.T) {
	e := NewEvaluator(testPolicyConfig())

	d := e.Evaluate(Input{
		Content:   "Five takeaways from this week's creator economy report.",
		Platform:  "twitter",
		Citations: []string{"https://example.com/report"},
	})

	assert.Equal(t, StatusPass, d.Status)
	assert.Empty(t, d.ViolationCodes)
	assert.Empty(t, d.RequiredEdits)
}

func TestEvaluate_BannedTermFailsWithProfanityCode(t *testing.T) {
	e := NewEvaluator(testPolicyConfig())

	d := e.Evaluate(Input{
		Content:   "This strategy has Guaranteed Returns for everyone!",
		Platform:  "twitter",
		Citations: []string{"https://example.com"},
	})

	require.Equal(t, StatusFail, d.Status)
	assert.Contains(t, d.ViolationCodes, CodeProfanity)
	require.NotEmpty(t, d.RequiredEdits)
	assert.Contains(t, d.RequiredEdits[0], "guaranteed returns")
}

func TestEvaluate_LengthLimitInterpolatesValues(t *testing.T) {
	e := NewEvaluator(testPolicyConfig())

	d := e.Evaluate(Input{
		Content:   strings.Repeat("a", 300),
		Platform:  "twitter",
		Citations: []string{"https://example.com"},
	})

	require.Equal(t, StatusFail, d.Status)
	assert.Contains(t, d.ViolationCodes, CodeLengthExceeded)

	var edit string
	for i, code := range d.ViolationCodes {
		if code == CodeLengthExceeded {
			edit = d.RequiredEdits[i]
		}
	}
	assert.Contains(t, edit, "280")
	assert.Contains(t, edit, "300")
}

func TestEvaluate_PlatformTermAndMissingTag(t *testing.T) {
	e := NewEvaluator(testPolicyConfig())

	d := e.Evaluate(Input{
		Content:   "follow for follow back, always",
		Platform:  "twitter",
		Citations: []string{"https://example.com"},
	})
	require.Equal(t, StatusFail, d.Status)
	assert.Contains(t, d.ViolationCodes, CodePlatformTerm)

	d = e.Evaluate(Input{
		Content:   "Check out this product I love.",
		Platform:  "instagram",
		Citations: []string{"https://example.com"},
	})
	require.Equal(t, StatusFail, d.Status)
	assert.Contains(t, d.ViolationCodes, CodeMissingTag)

	d = e.Evaluate(Input{
		Content:    "Check out this product I love.",
		Platform:   "instagram",
		PolicyTags: []string{"AD"},
		Citations:  []string{"https://example.com"},
	})
	assert.Equal(t, StatusPass, d.Status)
}

func TestEvaluate_MissingCitation(t *testing.T) {
	e := NewEvaluator(testPolicyConfig())

	d := e.Evaluate(Input{
		Content:  "Study shows 80% of creators burn out within two years.",
		Platform: "twitter",
	})

	require.Equal(t, StatusFail, d.Status)
	assert.Contains(t, d.ViolationCodes, CodeMissingCitation)
}

func TestEvaluate_MultipleViolationsAggregate(t *testing.T) {
	e := NewEvaluator(testPolicyConfig())

	d := e.Evaluate(Input{
		Content:  strings.Repeat("risk-free gains ", 30),
		Platform: "twitter",
	})

	require.Equal(t, StatusFail, d.Status)
	assert.Contains(t, d.ViolationCodes, CodeProfanity)
	assert.Contains(t, d.ViolationCodes, CodeLengthExceeded)
	assert.Contains(t, d.ViolationCodes, CodeMissingCitation)
	assert.Len(t, d.RequiredEdits, len(d.ViolationCodes))
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := NewEvaluator(testPolicyConfig())
	in := Input{
		Content:  "risk-free guaranteed returns " + strings.Repeat("x", 280),
		Platform: "twitter",
	}

	first := e.Evaluate(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Evaluate(in))
	}
}
