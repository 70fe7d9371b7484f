package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Backland-Labs/quorum-ai-sub001/internal/proposal"
	"github.com/Backland-Labs/quorum-ai-sub001/pkg/aiprovider"
)

type fakeProvider struct {
	responses []aiprovider.Response
	errs      []error
	calls     int
}

func (f *fakeProvider) Decide(ctx context.Context, req aiprovider.Request) (aiprovider.Response, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var resp aiprovider.Response
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	return resp, err
}

func sampleProposal() proposal.Proposal {
	return proposal.Proposal{ID: "P1", Title: "Upgrade treasury policy", Choices: []string{"For", "Against"}}
}

func TestDecideBalancedStrategyAcceptsMediumRisk(t *testing.T) {
	fp := &fakeProvider{responses: []aiprovider.Response{{ChoiceLabel: "Against", Confidence: 0.91, Risk: "medium"}}}
	eng := NewEngine(fp, 3)

	d := eng.Decide(context.Background(), sampleProposal(), StrategyBalanced, 0.7)
	require.False(t, d.Abstain)
	require.Equal(t, 2, d.ChoiceIndex)
	require.Equal(t, RiskMedium, d.Risk)
}

func TestDecideBelowThresholdAbstains(t *testing.T) {
	fp := &fakeProvider{responses: []aiprovider.Response{{ChoiceLabel: "For", Confidence: 0.64, Risk: "low"}}}
	eng := NewEngine(fp, 3)

	d := eng.Decide(context.Background(), sampleProposal(), StrategyBalanced, 0.7)
	require.True(t, d.Abstain)
	require.Equal(t, AbstainBelowThreshold, d.AbstainWhy)
}

func TestDecideConservativeRefusesHighRisk(t *testing.T) {
	fp := &fakeProvider{responses: []aiprovider.Response{{ChoiceLabel: "For", Confidence: 0.95, Risk: "high"}}}
	eng := NewEngine(fp, 3)

	d := eng.Decide(context.Background(), sampleProposal(), StrategyConservative, 0.7)
	require.True(t, d.Abstain)
	require.Equal(t, AbstainRiskExceedsPolicy, d.AbstainWhy)
}

func TestDecideUnmappableChoiceAbstains(t *testing.T) {
	fp := &fakeProvider{responses: []aiprovider.Response{{ChoiceLabel: "Maybe", Confidence: 0.9, Risk: "low"}}}
	eng := NewEngine(fp, 3)

	d := eng.Decide(context.Background(), sampleProposal(), StrategyBalanced, 0.5)
	require.True(t, d.Abstain)
	require.Equal(t, AbstainUnmappableChoice, d.AbstainWhy)
}

func TestDecideValidationErrorAbstainsWithoutRetrying(t *testing.T) {
	fp := &fakeProvider{errs: []error{&aiprovider.ValidationError{StatusCode: 422, Body: "bad"}}}
	eng := NewEngine(fp, 3)

	d := eng.Decide(context.Background(), sampleProposal(), StrategyBalanced, 0.5)
	require.True(t, d.Abstain)
	require.Equal(t, AbstainProviderError, d.AbstainWhy)
	require.Equal(t, 1, fp.calls)
}

func TestDecideAggressiveLowersThresholdFloor(t *testing.T) {
	fp := &fakeProvider{responses: []aiprovider.Response{{ChoiceLabel: "For", Confidence: 0.6, Risk: "high"}}}
	eng := NewEngine(fp, 3)

	d := eng.Decide(context.Background(), sampleProposal(), StrategyAggressive, 0.9)
	require.False(t, d.Abstain)
}

func TestDecideConservativeRaisesThresholdFloor(t *testing.T) {
	fp := &fakeProvider{responses: []aiprovider.Response{{ChoiceLabel: "For", Confidence: 0.6, Risk: "low"}}}
	eng := NewEngine(fp, 3)

	d := eng.Decide(context.Background(), sampleProposal(), StrategyConservative, 0.5)
	require.True(t, d.Abstain)
	require.Equal(t, AbstainBelowThreshold, d.AbstainWhy)
}
