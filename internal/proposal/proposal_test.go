package proposal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, base time.Time, offset time.Duration) time.Time {
	t.Helper()
	return base.Add(offset)
}

func TestFilterOrdersByTimeToCloseThenScoreThenID(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	proposals := []Proposal{
		{ID: "P1", Author: "0xAAA", State: StateActive, End: mustTime(t, now, time.Hour), Scores: []float64{10}},
		{ID: "P2", Author: "0xBBB", State: StateActive, End: mustTime(t, now, 2*time.Hour), Scores: []float64{20}},
		{ID: "P3", Author: "0xCCC", State: StateActive, End: mustTime(t, now, 30*time.Minute), Scores: []float64{5}},
	}
	prefs := Preferences{VotingStrategy: "balanced", ConfidenceThreshold: 0.7, MaxProposalsPerRun: 3}

	got := Filter(proposals, prefs, now)
	require.Len(t, got, 3)
	require.Equal(t, []string{"P3", "P1", "P2"}, ids(got))
}

func TestFilterDropsDeniedAuthors(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	proposals := []Proposal{
		{ID: "P1", Author: "0xDEAD", State: StateActive, End: mustTime(t, now, time.Hour)},
		{ID: "P2", Author: "0xOTHER", State: StateActive, End: mustTime(t, now, time.Hour)},
	}
	prefs := Preferences{VotingStrategy: "balanced", ConfidenceThreshold: 0.7, MaxProposalsPerRun: 3, DenyList: []string{"0xDEAD"}}

	got := Filter(proposals, prefs, now)
	require.Equal(t, []string{"P2"}, ids(got))
}

func TestFilterDropsClosedOrExpiredProposals(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	proposals := []Proposal{
		{ID: "P1", Author: "0xAAA", State: StateClosed, End: mustTime(t, now, time.Hour)},
		{ID: "P2", Author: "0xBBB", State: StateActive, End: mustTime(t, now, -time.Hour)},
		{ID: "P3", Author: "0xCCC", State: StateActive, End: mustTime(t, now, time.Hour)},
	}
	prefs := Preferences{VotingStrategy: "balanced", ConfidenceThreshold: 0.7, MaxProposalsPerRun: 3}

	got := Filter(proposals, prefs, now)
	require.Equal(t, []string{"P3"}, ids(got))
}

func TestFilterPutsAllowListedFirst(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	proposals := []Proposal{
		{ID: "P1", Author: "0xOTHER", State: StateActive, End: mustTime(t, now, 10*time.Minute)},
		{ID: "P2", Author: "0xGOOD", State: StateActive, End: mustTime(t, now, time.Hour)},
	}
	prefs := Preferences{VotingStrategy: "balanced", ConfidenceThreshold: 0.7, MaxProposalsPerRun: 3, AllowList: []string{"0xGOOD"}}

	got := Filter(proposals, prefs, now)
	require.Equal(t, []string{"P2", "P1"}, ids(got))
}

func TestFilterRespectsCapAndIsIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	proposals := make([]Proposal, 5)
	for i := range proposals {
		proposals[i] = Proposal{
			ID:     string(rune('A' + i)),
			Author: "0xAAA",
			State:  StateActive,
			End:    mustTime(t, now, time.Duration(i+1)*time.Hour),
		}
	}
	prefs := Preferences{VotingStrategy: "balanced", ConfidenceThreshold: 0.7, MaxProposalsPerRun: 2}

	got := Filter(proposals, prefs, now)
	require.Len(t, got, 2)

	again := Filter(got, prefs, now)
	require.Equal(t, got, again)
}

func TestPreferencesValidateRejectsOverlappingLists(t *testing.T) {
	prefs := Preferences{
		VotingStrategy:      "balanced",
		ConfidenceThreshold: 0.5,
		MaxProposalsPerRun:  3,
		AllowList:           []string{"0xAAA"},
		DenyList:            []string{"0xAAA"},
	}
	require.Error(t, prefs.Validate())
}

func TestPreferencesValidateAcceptsWellFormedInput(t *testing.T) {
	prefs := Preferences{
		VotingStrategy:      "aggressive",
		ConfidenceThreshold: 0.55,
		MaxProposalsPerRun:  5,
		AllowList:           []string{"0xAAA"},
		DenyList:            []string{"0xBBB"},
	}
	require.NoError(t, prefs.Validate())
}

func ids(ps []Proposal) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
