// Package orchestrator drives the per-run state machine: load preferences,
// fetch and filter proposals, decide and submit a vote for each candidate,
// and finalize with the liveness controller. It checkpoints after every
// transition so a crashed run resumes instead of restarting.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Backland-Labs/quorum-ai-sub001/internal/config"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/decision"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/executor"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/liveness"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/metrics"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/proposal"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/statestore"
	"github.com/Backland-Labs/quorum-ai-sub001/pkg/snapshot"
)

// State is one node of the run state machine.
type State string

const (
	StateIdle               State = "IDLE"
	StateStarting           State = "STARTING"
	StateFetchingProposals  State = "FETCHING_PROPOSALS"
	StateFiltering          State = "FILTERING"
	StateAnalyzingProposal  State = "ANALYZING_PROPOSAL"
	StateSubmittingVote     State = "SUBMITTING_VOTE"
	StateFinalizing         State = "FINALIZING"
	StateCompleted          State = "COMPLETED"
	StateCompletedWarning   State = "COMPLETED_WITH_WARNING"
	StateFailed             State = "FAILED"
	StateStopping           State = "STOPPING"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedWarning, StateFailed:
		return true
	}
	return false
}

// ErrBusy is returned by Trigger when a run is already in progress.
var ErrBusy = errors.New("orchestrator: a run is already in progress")

const checkpointPrefix = "agent_checkpoint_"
const checkpointVersion = 1
const preferencesDocument = "user_preferences"
const preferencesVersion = 1

// Checkpoint is the durable run state written after every transition.
type Checkpoint struct {
	RunID       string                      `json:"run_id"`
	State       State                       `json:"state"`
	ProposalIDs []string                    `json:"proposal_ids"`
	Cursor      int                         `json:"cursor"`
	Receipts    map[string]executor.Receipt `json:"receipts"`
	Counters    Counters                    `json:"counters"`
	ActivityLog []liveness.Record           `json:"activity_log,omitempty"`
	StartedAt   time.Time                   `json:"started_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
	Warning     string                      `json:"warning,omitempty"`
}

// Counters track per-run proposal outcomes, surfaced in the checkpoint and
// in transition logs.
type Counters struct {
	Seen    int `json:"seen"`
	Voted   int `json:"voted"`
	Errored int `json:"errored"`
}

// DecisionLogEntry is one line of the append-only decisions/<run_id>.jsonl
// audit trail.
type DecisionLogEntry struct {
	RunID       string  `json:"run_id"`
	ProposalID  string  `json:"proposal_id"`
	ChoiceIndex *int    `json:"choice_index"`
	Confidence  float64 `json:"confidence"`
	Risk        string  `json:"risk"`
	Reasoning   string  `json:"reasoning"`
	Strategy    string  `json:"strategy"`
	Timestamp   time.Time `json:"ts"`
}

// Status is the orchestrator's externally-observable snapshot, backing the
// health endpoint.
type Status struct {
	State             State
	RunID             string
	LastTransitionAt  time.Time
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store          *statestore.Store
	Snapshot       snapshot.Client
	Decision       *decision.Engine
	Executor       *executor.Executor
	Liveness       *liveness.Controller
	Config         config.Config
	Metrics        *metrics.Agent
	Logger         *slog.Logger
}

// Orchestrator runs one voting cycle at a time.
type Orchestrator struct {
	deps Deps

	mu      sync.Mutex
	running bool
	status  Status
}

// New constructs an Orchestrator in the IDLE state.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		deps:   deps,
		status: Status{State: StateIdle, LastTransitionAt: time.Now().UTC()},
	}
}

// Status returns the orchestrator's current externally-observable state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// IsRunning reports whether a run is currently in progress.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) setStatus(state State, runID string) {
	o.mu.Lock()
	o.status = Status{State: state, RunID: runID, LastTransitionAt: time.Now().UTC()}
	o.mu.Unlock()
}

// Trigger starts a run if none is in progress, otherwise returns ErrBusy.
// It resumes a prior non-terminal checkpoint if one exists, satisfying the
// crash-resume contract: the same run id is reused and finalized receipts
// are never redone.
func (o *Orchestrator) Trigger(ctx context.Context) (*Checkpoint, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.running = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	cp, err := o.resumeOrStart()
	if err != nil {
		o.deps.Logger.Error("orchestrator: failed to start run", "error", err)
		return nil, err
	}

	o.run(ctx, cp)
	return cp, nil
}

func (o *Orchestrator) resumeOrStart() (*Checkpoint, error) {
	names, err := o.deps.Store.ListDocuments(checkpointPrefix)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: scan checkpoints: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		var cp Checkpoint
		if err := o.deps.Store.Load(name, &cp, statestore.LoadOptions{TargetVersion: checkpointVersion, AllowRecovery: true}); err != nil {
			o.deps.Logger.Warn("orchestrator: unreadable checkpoint, skipping", "name", name, "error", err)
			continue
		}
		if !cp.State.Terminal() {
			o.deps.Logger.Info("orchestrator: resuming run", "run_id", cp.RunID, "state", cp.State, "cursor", cp.Cursor)
			return &cp, nil
		}
	}

	runID := uuid.NewString()
	return &Checkpoint{
		RunID:     runID,
		State:     StateStarting,
		Receipts:  map[string]executor.Receipt{},
		StartedAt: time.Now().UTC(),
	}, nil
}

// run executes cp's state machine to a terminal state, checkpointing after
// every transition. It never returns an error: terminal failures are
// recorded as the FAILED state in the checkpoint itself.
func (o *Orchestrator) run(ctx context.Context, cp *Checkpoint) {
	o.deps.Metrics.RunStarted()
	started := time.Now()
	defer func() {
		o.deps.Metrics.ObserveRunDuration(time.Since(started).Seconds())
		o.deps.Metrics.RunCompleted(string(cp.State))
	}()

	// A checkpoint loaded while still in SUBMITTING_VOTE means the process
	// died between signing and recording a receipt for the proposal at
	// Cursor. Its outcome on chain is unknown, so it must never be
	// re-decided or re-signed; it is recorded as an error and skipped.
	interruptedCursor := -1
	if cp.State == StateSubmittingVote {
		interruptedCursor = cp.Cursor
	}

	o.transition(ctx, cp, StateStarting)

	prefs, err := o.loadPreferences()
	if err != nil {
		o.fail(ctx, cp, fmt.Errorf("load preferences: %w", err))
		return
	}

	o.transition(ctx, cp, StateFetchingProposals)
	spaceIDs := make([]string, 0, len(o.deps.Config.Spaces))
	for _, s := range o.deps.Config.Spaces {
		spaceIDs = append(spaceIDs, s.SpaceID)
	}
	proposals, err := o.fetchProposalsWithRetry(ctx, spaceIDs, prefs.MaxProposalsPerRun*4)
	if err != nil {
		o.fail(ctx, cp, fmt.Errorf("fetch proposals: %w", err))
		return
	}

	o.transition(ctx, cp, StateFiltering)
	candidates := proposal.Filter(proposals, prefs, time.Now().UTC())
	if len(cp.ProposalIDs) == 0 {
		cp.ProposalIDs = make([]string, 0, len(candidates))
		for _, c := range candidates {
			cp.ProposalIDs = append(cp.ProposalIDs, c.ID)
		}
	}
	byID := make(map[string]proposal.Proposal, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	safeNonce := o.initialSafeNonce(ctx)

	var onChainReceipts []executor.Receipt
	for i, pid := range cp.ProposalIDs {
		cp.Cursor = i
		if ctx.Err() != nil {
			o.transition(ctx, cp, StateStopping)
			o.checkpoint(cp)
			return
		}
		if r, done := cp.Receipts[pid]; done {
			if r.Outcome == executor.OutcomeSubmitted {
				onChainReceipts = append(onChainReceipts, r)
			}
			continue
		}

		if i == interruptedCursor {
			interruptedCursor = -1
			path := config.PathDryRun
			if p, known := byID[pid]; known {
				if space, ok := o.deps.Config.SpaceByID(p.SpaceID); ok {
					path = space.ExecutionPath
				}
			}
			receipt := executor.Receipt{
				ProposalID:  pid,
				Outcome:     executor.OutcomeError,
				Reason:      "unknown_pre_receipt",
				Path:        path,
				SubmittedAt: time.Now().UTC(),
			}
			cp.Receipts[pid] = receipt
			cp.Counters.Errored++
			o.deps.Metrics.ProposalErrored()
			o.deps.Metrics.ReceiptOutcome(string(receipt.Outcome), string(receipt.Path))
			o.checkpoint(cp)
			continue
		}

		p, known := byID[pid]
		if !known {
			continue
		}
		cp.Counters.Seen++
		o.deps.Metrics.ProposalSeen()
		cp.ActivityLog = append(cp.ActivityLog, liveness.Record{
			Kind:       liveness.KindOpportunityConsidered,
			ProposalID: pid,
			Timestamp:  time.Now().UTC(),
		})

		o.transition(ctx, cp, StateAnalyzingProposal)
		d := o.deps.Decision.Decide(ctx, p, decision.Strategy(prefs.VotingStrategy), prefs.ConfidenceThreshold)

		o.transition(ctx, cp, StateSubmittingVote)
		space, _ := o.deps.Config.SpaceByID(p.SpaceID)
		voteEndpoint := o.deps.Config.Snapshot.Endpoint
		receipt := o.deps.Executor.Cast(ctx, d, p, space, space.ExecutionPath, safeNonce, voteEndpoint)
		if space.ExecutionPath == config.PathSafe && receipt.Outcome == executor.OutcomeSubmitted {
			safeNonce++
		}

		cp.Receipts[pid] = receipt
		o.deps.Metrics.ReceiptOutcome(string(receipt.Outcome), string(receipt.Path))
		if receipt.Outcome == executor.OutcomeError {
			cp.Counters.Errored++
			o.deps.Metrics.ProposalErrored()
		} else if receipt.Outcome == executor.OutcomeSubmitted {
			cp.Counters.Voted++
			o.deps.Metrics.ProposalVoted()
			onChainReceipts = append(onChainReceipts, receipt)
		}
		if d.Abstain {
			o.deps.Metrics.DecisionAbstain(string(d.AbstainWhy))
		}

		o.appendDecisionLog(cp.RunID, d)
		o.checkpoint(cp)
	}

	o.transition(ctx, cp, StateFinalizing)
	space := primarySpace(o.deps.Config)
	record, err := o.deps.Liveness.EnsureDailyActivity(ctx, onChainReceipts, space, safeNonce)
	if err != nil {
		o.deps.Logger.Warn("orchestrator: liveness warning", "run_id", cp.RunID, "error", err)
		cp.Warning = err.Error()
	}
	cp.ActivityLog = append(cp.ActivityLog, record)
	if record.TxHash != "" {
		o.deps.Metrics.LivenessTransaction()
	}

	finalState := StateCompleted
	if cp.Warning != "" || cp.Counters.Errored > 0 {
		finalState = StateCompletedWarning
	}
	o.transition(ctx, cp, finalState)
	o.pruneDecisionLogs()
}

// initialSafeNonce looks up the current Safe transaction service nonce for
// the first configured Safe-path space; submissions within the run then
// increment a local counter rather than re-querying per proposal. A lookup
// failure is non-fatal: the executor's own submission will surface any
// stale-nonce rejection as a receipt error.
func (o *Orchestrator) initialSafeNonce(ctx context.Context) uint64 {
	space := primarySpace(o.deps.Config)
	if space.ExecutionPath != config.PathSafe || space.SafeAddress == "" {
		return 0
	}
	nonce, err := executor.FetchSafeNonce(ctx, o.deps.Executor.HTTPClient, o.deps.Config.Safe.TransactionServiceURL, space.SafeAddress)
	if err != nil {
		o.deps.Logger.Warn("orchestrator: safe nonce lookup failed, defaulting to 0", "error", err)
		return 0
	}
	return nonce
}

func primarySpace(cfg config.Config) config.SpaceConfig {
	for _, s := range cfg.Spaces {
		if s.ExecutionPath == config.PathSafe {
			return s
		}
	}
	if len(cfg.Spaces) > 0 {
		return cfg.Spaces[0]
	}
	return config.SpaceConfig{}
}

func (o *Orchestrator) fail(ctx context.Context, cp *Checkpoint, cause error) {
	o.deps.Logger.Error("orchestrator: run failed", "run_id", cp.RunID, "error", cause)
	cp.Warning = cause.Error()
	o.transition(ctx, cp, StateFailed)
}

func (o *Orchestrator) transition(ctx context.Context, cp *Checkpoint, next State) {
	cp.State = next
	cp.UpdatedAt = time.Now().UTC()
	o.setStatus(next, cp.RunID)
	o.deps.Logger.Info("orchestrator: transition", "run_id", cp.RunID, "state", next,
		"seen", cp.Counters.Seen, "voted", cp.Counters.Voted, "errored", cp.Counters.Errored)
	o.checkpoint(cp)
}

func (o *Orchestrator) checkpoint(cp *Checkpoint) {
	name := checkpointPrefix + cp.RunID
	if _, err := o.deps.Store.Save(name, cp, statestore.SaveOptions{Version: checkpointVersion}); err != nil {
		o.deps.Logger.Error("orchestrator: checkpoint write failed", "run_id", cp.RunID, "error", err)
		o.deps.Metrics.CheckpointWriteFailed()
	}
}

type preferencesSchema struct{}

func (preferencesSchema) Validate(payload []byte) error {
	var p proposal.Preferences
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	return p.Validate()
}

func (o *Orchestrator) loadPreferences() (proposal.Preferences, error) {
	var prefs proposal.Preferences
	err := o.deps.Store.Load(preferencesDocument, &prefs, statestore.LoadOptions{
		Schema:        preferencesSchema{},
		TargetVersion: preferencesVersion,
		AllowRecovery: true,
	})
	return prefs, err
}

// fetchProposalsWithRetry wraps the Snapshot client with bounded exponential
// backoff; repeated failure is a fatal run condition.
func (o *Orchestrator) fetchProposalsWithRetry(ctx context.Context, spaceIDs []string, first int) ([]proposal.Proposal, error) {
	var result []proposal.Proposal
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	op := func() error {
		var err error
		result, err = o.deps.Snapshot.FetchActiveProposals(ctx, spaceIDs, first)
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) appendDecisionLog(runID string, d decision.Decision) {
	dir := filepath.Join(o.deps.Store.Root, "decisions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.deps.Logger.Error("orchestrator: create decisions dir failed", "error", err)
		return
	}
	path := filepath.Join(dir, runID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		o.deps.Logger.Error("orchestrator: open decision log failed", "error", err)
		return
	}
	defer f.Close()

	var choiceIndex *int
	if !d.Abstain {
		idx := d.ChoiceIndex
		choiceIndex = &idx
	}
	entry := DecisionLogEntry{
		RunID:       runID,
		ProposalID:  d.ProposalID,
		ChoiceIndex: choiceIndex,
		Confidence:  d.Confidence,
		Risk:        string(d.Risk),
		Reasoning:   d.Reasoning,
		Strategy:    string(d.Strategy),
		Timestamp:   time.Now().UTC(),
	}
	if err := json.NewEncoder(f).Encode(entry); err != nil {
		o.deps.Logger.Error("orchestrator: write decision log entry failed", "error", err)
	}
}

// pruneDecisionLogs keeps at most Config.Retention.DecisionLogRuns decision
// log files, removing the oldest by modification time.
func (o *Orchestrator) pruneDecisionLogs() {
	limit := o.deps.Config.Retention.DecisionLogRuns
	if limit <= 0 {
		return
	}
	dir := filepath.Join(o.deps.Store.Root, "decisions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type fileInfo struct {
		name    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}
	if len(files) <= limit {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files[:len(files)-limit] {
		_ = os.Remove(filepath.Join(dir, f.name))
	}
}
