package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/Backland-Labs/quorum-ai-sub001/internal/config"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/decision"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/executor"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/liveness"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/metrics"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/proposal"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/statestore"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/wallet"
	"github.com/Backland-Labs/quorum-ai-sub001/pkg/aiprovider"
)

type fakeSnapshot struct {
	proposals []proposal.Proposal
	block     chan struct{}
}

func (f *fakeSnapshot) FetchActiveProposals(ctx context.Context, spaceIDs []string, first int) ([]proposal.Proposal, error) {
	if f.block != nil {
		<-f.block
	}
	return f.proposals, nil
}

type fakeProvider struct {
	response aiprovider.Response
	calls    int
}

func (f *fakeProvider) Decide(ctx context.Context, req aiprovider.Request) (aiprovider.Response, error) {
	f.calls++
	return f.response, nil
}

func buildOrchestrator(t *testing.T, snap *fakeSnapshot, provider *fakeProvider, safeURL string, safeAddress string) (*Orchestrator, *statestore.Store) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "store")
	store, err := statestore.New(root, 5)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	id, err := wallet.NewIdentity(common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)

	prefs := proposal.Preferences{
		VotingStrategy:      "balanced",
		ConfidenceThreshold: 0.5,
		MaxProposalsPerRun:  5,
	}
	_, err = store.Save(preferencesDocument, prefs, statestore.SaveOptions{Version: preferencesVersion})
	require.NoError(t, err)

	eng := decision.NewEngine(provider, 3)
	ex := executor.NewExecutor(id, safeURL, 2*time.Second, 2)
	lv := liveness.NewController(store, id, safeURL, 2*time.Second)

	cfg := config.Config{
		Spaces: []config.SpaceConfig{
			{SpaceID: "example.eth", Network: "mainnet", ExecutionPath: config.PathDryRun, GovernorAddress: "0x2222222222222222222222222222222222222222", SafeAddress: safeAddress},
		},
		Snapshot:  config.SnapshotConfig{Endpoint: "https://snapshot.example/graphql"},
		Safe:      config.SafeConfig{TransactionServiceURL: safeURL},
		Retention: config.Retention{DecisionLogRuns: 10},
	}

	o := New(Deps{
		Store:    store,
		Snapshot: snap,
		Decision: eng,
		Executor: ex,
		Liveness: lv,
		Config:   cfg,
		Metrics:  metrics.Registry(),
	})
	return o, store
}

func sampleProposals(now time.Time) []proposal.Proposal {
	return []proposal.Proposal{
		{ID: "P1", SpaceID: "example.eth", Title: "First", State: proposal.StateActive, Choices: []string{"For", "Against"}, End: now.Add(time.Hour)},
		{ID: "P2", SpaceID: "example.eth", Title: "Second", State: proposal.StateActive, Choices: []string{"For", "Against"}, End: now.Add(2 * time.Hour)},
	}
}

func TestTriggerHappyPathCompletesWithDryRunReceipts(t *testing.T) {
	safe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) }))
	defer safe.Close()

	snap := &fakeSnapshot{proposals: sampleProposals(time.Now().UTC())}
	provider := &fakeProvider{response: aiprovider.Response{ChoiceLabel: "For", Confidence: 0.9, Risk: "low"}}
	safeAddr := "0x1111111111111111111111111111111111111111"

	o, store := buildOrchestrator(t, snap, provider, safe.URL, safeAddr)
	cp, err := o.Trigger(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, cp.State)
	require.Equal(t, 2, cp.Counters.Seen)
	require.Len(t, cp.Receipts, 2)
	for _, r := range cp.Receipts {
		require.Equal(t, executor.OutcomeSkipped, r.Outcome)
		require.Equal(t, "dry_run", r.Reason)
	}

	names, err := store.ListDocuments(checkpointPrefix)
	require.NoError(t, err)
	require.Len(t, names, 1)
}

func TestTriggerReturnsBusyWhileRunInProgress(t *testing.T) {
	block := make(chan struct{})
	snap := &fakeSnapshot{proposals: sampleProposals(time.Now().UTC()), block: block}
	provider := &fakeProvider{response: aiprovider.Response{ChoiceLabel: "For", Confidence: 0.9, Risk: "low"}}

	o, _ := buildOrchestrator(t, snap, provider, "", "")

	done := make(chan struct{})
	go func() {
		_, _ = o.Trigger(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return o.IsRunning() }, time.Second, 5*time.Millisecond)

	_, err := o.Trigger(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	close(block)
	<-done
}

func TestTriggerResumeSkipsAlreadyFinalizedProposal(t *testing.T) {
	safe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) }))
	defer safe.Close()

	snap := &fakeSnapshot{proposals: sampleProposals(time.Now().UTC())}
	provider := &fakeProvider{response: aiprovider.Response{ChoiceLabel: "For", Confidence: 0.9, Risk: "low"}}
	safeAddr := "0x1111111111111111111111111111111111111111"

	o, store := buildOrchestrator(t, snap, provider, safe.URL, safeAddr)

	runID := "resumed-run"
	pending := Checkpoint{
		RunID:       runID,
		State:       StateFiltering,
		ProposalIDs: []string{"P2", "P1"},
		Receipts: map[string]executor.Receipt{
			"P2": {ProposalID: "P2", Outcome: executor.OutcomeSkipped, Reason: "dry_run", Path: config.PathDryRun},
		},
		StartedAt: time.Now().UTC(),
	}
	_, err := store.Save(checkpointPrefix+runID, pending, statestore.SaveOptions{Version: checkpointVersion})
	require.NoError(t, err)

	cp, err := o.Trigger(context.Background())
	require.NoError(t, err)
	require.Equal(t, runID, cp.RunID)
	require.Equal(t, 1, provider.calls)
	require.Len(t, cp.Receipts, 2)
	require.Equal(t, StateCompleted, cp.State)
}

func TestTriggerResumeMidSubmissionRecordsUnknownPreReceiptWithoutResigning(t *testing.T) {
	safe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) }))
	defer safe.Close()

	snap := &fakeSnapshot{proposals: sampleProposals(time.Now().UTC())}
	provider := &fakeProvider{response: aiprovider.Response{ChoiceLabel: "For", Confidence: 0.9, Risk: "low"}}
	safeAddr := "0x1111111111111111111111111111111111111111"

	o, store := buildOrchestrator(t, snap, provider, safe.URL, safeAddr)

	runID := "interrupted-run"
	pending := Checkpoint{
		RunID:       runID,
		State:       StateSubmittingVote,
		Cursor:      0,
		ProposalIDs: []string{"P1", "P2"},
		Receipts:    map[string]executor.Receipt{},
		Counters:    Counters{Seen: 1},
		StartedAt:   time.Now().UTC(),
	}
	_, err := store.Save(checkpointPrefix+runID, pending, statestore.SaveOptions{Version: checkpointVersion})
	require.NoError(t, err)

	cp, err := o.Trigger(context.Background())
	require.NoError(t, err)
	require.Equal(t, runID, cp.RunID)
	require.Equal(t, StateCompletedWarning, cp.State)

	p1 := cp.Receipts["P1"]
	require.Equal(t, executor.OutcomeError, p1.Outcome)
	require.Equal(t, "unknown_pre_receipt", p1.Reason)

	// The decision provider is only consulted for P2; P1 is never re-decided
	// or re-signed.
	require.Equal(t, 1, provider.calls)

	p2 := cp.Receipts["P2"]
	require.Equal(t, executor.OutcomeSkipped, p2.Outcome)
}
