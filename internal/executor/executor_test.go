package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/Backland-Labs/quorum-ai-sub001/internal/config"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/decision"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/proposal"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/wallet"
)

func testIdentity(t *testing.T) *wallet.Identity {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	id, err := wallet.NewIdentity(common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return id
}

func sampleDecision() decision.Decision {
	return decision.Decision{ProposalID: "P1", ChoiceIndex: 1, Confidence: 0.9, Strategy: decision.StrategyBalanced}
}

func sampleProposal() proposal.Proposal {
	return proposal.Proposal{ID: "P1", SpaceID: "example.eth", Choices: []string{"For", "Against"}}
}

func TestCastAbstainedDecisionNeverReachesNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	ex := NewExecutor(testIdentity(t), "", time.Second, 1)
	d := decision.Decision{ProposalID: "P1", Abstain: true, AbstainWhy: decision.AbstainBelowThreshold}
	r := ex.Cast(context.Background(), d, sampleProposal(), config.SpaceConfig{}, config.PathEOA, 0, srv.URL)

	require.False(t, called)
	require.Equal(t, OutcomeSkipped, r.Outcome)
	require.Equal(t, string(decision.AbstainBelowThreshold), r.Reason)
}

func TestCastDryRunSkipsSubmission(t *testing.T) {
	ex := NewExecutor(testIdentity(t), "", time.Second, 1)
	r := ex.Cast(context.Background(), sampleDecision(), sampleProposal(), config.SpaceConfig{}, config.PathDryRun, 0, "")
	require.Equal(t, OutcomeSkipped, r.Outcome)
	require.Equal(t, "dry_run", r.Reason)
}

func TestCastEOASubmittedOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body, "sig")
		require.Contains(t, body, "data")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tx_hash":"0xdeadbeef"}`))
	}))
	defer srv.Close()

	ex := NewExecutor(testIdentity(t), "", time.Second, 1)
	r := ex.Cast(context.Background(), sampleDecision(), sampleProposal(), config.SpaceConfig{}, config.PathEOA, 0, srv.URL)
	require.Equal(t, OutcomeSubmitted, r.Outcome)
	require.Equal(t, "0xdeadbeef", r.TxHash)
}

func TestCastEOARejectedOn4xxNeverRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("bad signature"))
	}))
	defer srv.Close()

	ex := NewExecutor(testIdentity(t), "", time.Second, 3)
	r := ex.Cast(context.Background(), sampleDecision(), sampleProposal(), config.SpaceConfig{}, config.PathEOA, 0, srv.URL)
	require.Equal(t, OutcomeRejected, r.Outcome)
	require.Equal(t, 1, attempts)
}

func TestCastEOARetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"tx_hash":"0xok"}`))
	}))
	defer srv.Close()

	ex := NewExecutor(testIdentity(t), "", time.Second, 3)
	r := ex.Cast(context.Background(), sampleDecision(), sampleProposal(), config.SpaceConfig{}, config.PathEOA, 0, srv.URL)
	require.Equal(t, OutcomeSubmitted, r.Outcome)
	require.Equal(t, 2, attempts)
}

func TestCastSafeSubmitsEncodedCastVote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body, "contractTransactionHash")
		require.Contains(t, body, "signature")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ex := NewExecutor(testIdentity(t), srv.URL, time.Second, 1)
	space := config.SpaceConfig{
		SpaceID:         "example.eth",
		Network:         "mainnet",
		GovernorAddress: "0x2222222222222222222222222222222222222222",
		SafeAddress:     "0x1111111111111111111111111111111111111111",
	}
	r := ex.Cast(context.Background(), sampleDecision(), sampleProposal(), space, config.PathSafe, 5, "")
	require.Equal(t, OutcomeSubmitted, r.Outcome)
	require.NotEmpty(t, r.TxHash)
}
