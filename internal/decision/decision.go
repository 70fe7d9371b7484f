// Package decision wraps the external AI provider behind the strategy-
// conditioned contract the Run Orchestrator drives: enforce the response
// schema, retry transport failures, re-prompt once on a schema violation,
// and apply the strategy's confidence floor and risk tolerance.
package decision

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Backland-Labs/quorum-ai-sub001/internal/proposal"
	"github.com/Backland-Labs/quorum-ai-sub001/pkg/aiprovider"
)

// Strategy is a named voting posture.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
)

// RiskLevel mirrors the AI provider's risk classification.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// AbstainReason enumerates why the engine chose not to produce a vote.
type AbstainReason string

const (
	AbstainBelowThreshold    AbstainReason = "below_threshold"
	AbstainUnmappableChoice  AbstainReason = "unmappable_choice"
	AbstainRiskExceedsPolicy AbstainReason = "risk_exceeds_strategy"
	AbstainProviderError     AbstainReason = "provider_error"
)

// Decision is a finalized VoteDecision, or an abstain with its reason.
type Decision struct {
	ProposalID   string
	ChoiceIndex  int // 1-based; zero means abstain
	Confidence   float64
	Reasoning    string
	Risk         RiskLevel
	Strategy     Strategy
	Abstain      bool
	AbstainWhy   AbstainReason
}

// posture captures the allowed risk levels and confidence floor for a
// voting strategy.
type posture struct {
	allowedRisk    map[RiskLevel]bool
	thresholdFloor func(base float64) float64
}

var postures = map[Strategy]posture{
	StrategyConservative: {
		allowedRisk:    map[RiskLevel]bool{RiskLow: true},
		thresholdFloor: func(base float64) float64 { return maxFloat(base, 0.75) },
	},
	StrategyBalanced: {
		allowedRisk:    map[RiskLevel]bool{RiskLow: true, RiskMedium: true},
		thresholdFloor: func(base float64) float64 { return base },
	},
	StrategyAggressive: {
		allowedRisk:    map[RiskLevel]bool{RiskLow: true, RiskMedium: true, RiskHigh: true},
		thresholdFloor: func(base float64) float64 { return minFloat(base, 0.55) },
	},
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

const maxReasoningChars = 2000
const maxBodyChars = 4000
const bodyTruncationMarker = "… [truncated]"

// Engine decides votes by calling an aiprovider.Provider with retry and
// re-prompt policy applied.
type Engine struct {
	Provider    aiprovider.Provider
	MaxAttempts int
}

// NewEngine constructs a decision Engine bound to provider.
func NewEngine(provider aiprovider.Provider, maxAttempts int) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Engine{Provider: provider, MaxAttempts: maxAttempts}
}

// Decide calls the provider for one proposal under a voting strategy and
// confidence threshold, returning an abstain decision if the provider's
// answer fails validation or retries are exhausted.
func (e *Engine) Decide(ctx context.Context, p proposal.Proposal, strategy Strategy, confidenceThreshold float64) Decision {
	posture, ok := postures[strategy]
	if !ok {
		return abstain(p.ID, strategy, AbstainProviderError)
	}
	effectiveThreshold := posture.thresholdFloor(confidenceThreshold)

	req := aiprovider.Request{
		ProposalID:    p.ID,
		Title:         p.Title,
		Body:          truncate(p.Body, maxBodyChars),
		Choices:       p.Choices,
		Strategy:      string(strategy),
		StrategyNotes: strategyNotes(strategy),
	}

	resp, err := e.callWithRetry(ctx, req)
	if err != nil {
		var schemaErr *aiprovider.SchemaViolationError
		if errors.As(err, &schemaErr) {
			req.StrictSchema = true
			resp, err = e.Provider.Decide(ctx, req)
		}
	}
	if err != nil {
		return abstain(p.ID, strategy, AbstainProviderError)
	}

	choiceIndex := mapChoice(p.Choices, resp.ChoiceLabel)
	if choiceIndex == 0 {
		return abstain(p.ID, strategy, AbstainUnmappableChoice)
	}

	risk := RiskLevel(strings.ToLower(strings.TrimSpace(resp.Risk)))
	if !posture.allowedRisk[risk] {
		return abstain(p.ID, strategy, AbstainRiskExceedsPolicy)
	}

	if resp.Confidence < effectiveThreshold {
		return abstain(p.ID, strategy, AbstainBelowThreshold)
	}

	return Decision{
		ProposalID:  p.ID,
		ChoiceIndex: choiceIndex,
		Confidence:  resp.Confidence,
		Reasoning:   truncate(resp.Reasoning, maxReasoningChars),
		Risk:        risk,
		Strategy:    strategy,
	}
}

// callWithRetry retries transport failures with exponential backoff and
// jitter, up to MaxAttempts. A ValidationError (4xx) is never retried.
func (e *Engine) callWithRetry(ctx context.Context, req aiprovider.Request) (aiprovider.Response, error) {
	var resp aiprovider.Response
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.MaxAttempts-1))
	policy = backoff.WithContext(policy, ctx)

	op := func() error {
		var err error
		resp, err = e.Provider.Decide(ctx, req)
		if err == nil {
			return nil
		}
		var validationErr *aiprovider.ValidationError
		if errors.As(err, &validationErr) {
			return backoff.Permanent(err)
		}
		var schemaErr *aiprovider.SchemaViolationError
		if errors.As(err, &schemaErr) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		return aiprovider.Response{}, err
	}
	return resp, nil
}

func mapChoice(choices []string, label string) int {
	label = strings.TrimSpace(label)
	for i, c := range choices {
		if strings.EqualFold(strings.TrimSpace(c), label) {
			return i + 1
		}
	}
	return 0
}

func abstain(proposalID string, strategy Strategy, reason AbstainReason) Decision {
	return Decision{
		ProposalID: proposalID,
		Strategy:   strategy,
		Abstain:    true,
		AbstainWhy: reason,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-len(bodyTruncationMarker)] + bodyTruncationMarker
}

func strategyNotes(s Strategy) string {
	switch s {
	case StrategyConservative:
		return "Only recommend low-risk proposals; when ambiguous, abstain."
	case StrategyBalanced:
		return "Accept low or medium risk proposals; choose the best-supported option."
	case StrategyAggressive:
		return "Any risk level is acceptable; choose the best-supported option."
	default:
		return ""
	}
}

// Deadline is a convenience for callers constructing the per-call context
// given a configured timeout.
func Deadline(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}
