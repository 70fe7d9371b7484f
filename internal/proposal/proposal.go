// Package proposal defines the governance proposal shape fetched from
// Snapshot and the deterministic filter that ranks and caps candidates
// according to user preferences.
package proposal

import (
	"fmt"
	"sort"
	"time"
)

// State mirrors the proposal lifecycle value returned by Snapshot.
type State string

const (
	StateActive  State = "active"
	StateClosed  State = "closed"
	StatePending State = "pending"
)

// Proposal is the immutable, per-run view of a single governance item.
type Proposal struct {
	ID        string    `json:"id"`
	SpaceID   string    `json:"space_id"`
	Network   string    `json:"network"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	State     State     `json:"state"`
	Choices   []string  `json:"choices"`
	Scores    []float64 `json:"scores"`
}

// TotalScore sums the per-choice score vector, used as the filter's
// secondary sort key (total cast vote weight).
func (p Proposal) TotalScore() float64 {
	var total float64
	for _, s := range p.Scores {
		total += s
	}
	return total
}

// Preferences is the user-configurable posture the filter and decision
// engine both read. It is persisted via internal/statestore.
type Preferences struct {
	VotingStrategy       string   `json:"voting_strategy"`
	ConfidenceThreshold  float64  `json:"confidence_threshold"`
	MaxProposalsPerRun   int      `json:"max_proposals_per_run"`
	AllowList            []string `json:"allow_list"`
	DenyList             []string `json:"deny_list"`
}

// Validate enforces the Preferences invariants: the strategy is one of the
// three known postures, the threshold and cap are within their bounds, and
// the allow and deny lists are disjoint.
func (p Preferences) Validate() error {
	switch p.VotingStrategy {
	case "conservative", "balanced", "aggressive":
	default:
		return fmt.Errorf("proposal: voting_strategy %q is not conservative, balanced, or aggressive", p.VotingStrategy)
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("proposal: confidence_threshold %v must be within [0,1]", p.ConfidenceThreshold)
	}
	if p.MaxProposalsPerRun < 1 || p.MaxProposalsPerRun > 10 {
		return fmt.Errorf("proposal: max_proposals_per_run %d must be within [1,10]", p.MaxProposalsPerRun)
	}
	deny := setOf(p.DenyList)
	for _, a := range p.AllowList {
		if _, ok := deny[a]; ok {
			return fmt.Errorf("proposal: address %q is in both allow_list and deny_list", a)
		}
	}
	return nil
}

func setOf(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return set
}

// Filter returns an ordered, capped subset of proposals: drop
// inactive/expired and denied authors, partition into allow-listed and
// other, sort each partition by (time-to-close asc, total score desc, id
// asc), then concatenate allow-listed first and truncate to the cap.
//
// Filter is pure and deterministic given (proposals, prefs, now).
func Filter(proposals []Proposal, prefs Preferences, now time.Time) []Proposal {
	deny := setOf(prefs.DenyList)
	allow := setOf(prefs.AllowList)

	var candidates []Proposal
	for _, p := range proposals {
		if p.State != StateActive {
			continue
		}
		if !p.End.After(now) {
			continue
		}
		if _, denied := deny[p.Author]; denied {
			continue
		}
		candidates = append(candidates, p)
	}

	var whitelisted, other []Proposal
	for _, p := range candidates {
		if _, ok := allow[p.Author]; ok {
			whitelisted = append(whitelisted, p)
		} else {
			other = append(other, p)
		}
	}

	rank := func(list []Proposal) {
		sort.SliceStable(list, func(i, j int) bool {
			ti, tj := list[i].End.Sub(now), list[j].End.Sub(now)
			if ti != tj {
				return ti < tj
			}
			si, sj := list[i].TotalScore(), list[j].TotalScore()
			if si != sj {
				return si > sj
			}
			return list[i].ID < list[j].ID
		})
	}
	rank(whitelisted)
	rank(other)

	cap := prefs.MaxProposalsPerRun
	if cap <= 0 {
		cap = 1
	}

	result := make([]Proposal, 0, cap)
	result = append(result, whitelisted...)
	result = append(result, other...)
	if len(result) > cap {
		result = result[:cap]
	}
	return result
}
