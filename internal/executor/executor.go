// Package executor submits a finalized decision through one of the three
// execution paths: a directly-signed EOA vote, a Safe-relayed governor
// transaction, or a dry-run that logs without submitting.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Backland-Labs/quorum-ai-sub001/internal/config"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/decision"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/proposal"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/wallet"
)

// Outcome is the tagged-variant result of a cast() call, replacing
// exception-driven control flow for the submission paths.
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeError     Outcome = "error"
	OutcomeSkipped   Outcome = "skipped"
)

// Receipt records the result of attempting to cast a single decision.
type Receipt struct {
	ProposalID  string    `json:"proposal_id"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Path        config.ExecutionPath `json:"path"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// TransportError marks a submission failure eligible for retry (5xx,
// timeout, DNS).
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("executor: transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError marks a 4xx rejection. Never retried.
type ValidationError struct {
	StatusCode int
	Body       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("executor: validation error (status %d): %s", e.StatusCode, e.Body)
}

// Executor signs and submits vote decisions for a single process identity.
type Executor struct {
	Identity        *wallet.Identity
	HTTPClient      *http.Client
	SafeServiceURL  string
	MaxAttempts     int
}

// NewExecutor constructs an Executor bound to identity and HTTP timeouts.
func NewExecutor(identity *wallet.Identity, safeServiceURL string, timeout time.Duration, maxAttempts int) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Executor{
		Identity:       identity,
		HTTPClient:     &http.Client{Timeout: timeout},
		SafeServiceURL: safeServiceURL,
		MaxAttempts:    maxAttempts,
	}
}

// Cast submits d for p per space's configured execution path, or performs a
// dry run when path is config.PathDryRun. An abstained decision never
// reaches the network; it is recorded as a skipped receipt immediately.
func (e *Executor) Cast(ctx context.Context, d decision.Decision, p proposal.Proposal, space config.SpaceConfig, path config.ExecutionPath, safeNonce uint64, voteEndpoint string) Receipt {
	if d.Abstain {
		return Receipt{ProposalID: p.ID, Outcome: OutcomeSkipped, Reason: string(d.AbstainWhy), Path: path, SubmittedAt: time.Now().UTC()}
	}
	if path == config.PathDryRun {
		return Receipt{ProposalID: p.ID, Outcome: OutcomeSkipped, Reason: "dry_run", Path: path, SubmittedAt: time.Now().UTC()}
	}

	switch path {
	case config.PathEOA:
		return e.castEOA(ctx, d, p, voteEndpoint)
	case config.PathSafe:
		return e.castSafe(ctx, d, p, space, safeNonce)
	default:
		return Receipt{ProposalID: p.ID, Outcome: OutcomeError, Reason: "unknown_execution_path", Path: path, SubmittedAt: time.Now().UTC()}
	}
}

func (e *Executor) castEOA(ctx context.Context, d decision.Decision, p proposal.Proposal, voteEndpoint string) Receipt {
	now := time.Now().UTC()
	msg := wallet.VoteMessage{
		From:       e.Identity.Address(),
		Space:      p.SpaceID,
		Timestamp:  now.Unix(),
		ProposalID: p.ID,
		Choice:     d.ChoiceIndex,
		Metadata:   truncateMetadata(d.Reasoning),
	}
	sig, err := e.Identity.SignVote(msg)
	if err != nil {
		return Receipt{ProposalID: p.ID, Outcome: OutcomeError, Reason: "sign_failed", Path: config.PathEOA, SubmittedAt: now}
	}

	typedData := msg.TypedData()
	envelope := map[string]any{
		"address": e.Identity.Address().Hex(),
		"sig":     hexutil.Encode(sig),
		"data":    typedData,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return Receipt{ProposalID: p.ID, Outcome: OutcomeError, Reason: "marshal_failed", Path: config.PathEOA, SubmittedAt: now}
	}

	_, respBody, err := e.postWithRetry(ctx, voteEndpoint, body)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return Receipt{ProposalID: p.ID, Outcome: OutcomeRejected, Reason: verr.Body, Path: config.PathEOA, SubmittedAt: now}
		}
		return Receipt{ProposalID: p.ID, Outcome: OutcomeError, Reason: "transport_error", Path: config.PathEOA, SubmittedAt: now}
	}

	return Receipt{
		ProposalID:  p.ID,
		Outcome:     OutcomeSubmitted,
		TxHash:      extractTxHash(respBody),
		Path:        config.PathEOA,
		SubmittedAt: now,
	}
}

func (e *Executor) castSafe(ctx context.Context, d decision.Decision, p proposal.Proposal, space config.SpaceConfig, nonce uint64) Receipt {
	now := time.Now().UTC()
	proposalID, ok := new(big.Int).SetString(p.ID, 0)
	if !ok {
		proposalID = hashToBigInt(p.ID)
	}
	data, err := wallet.EncodeCastVote(proposalID, uint8(d.ChoiceIndex), truncateMetadata(d.Reasoning))
	if err != nil {
		return Receipt{ProposalID: p.ID, Outcome: OutcomeError, Reason: "encode_failed", Path: config.PathSafe, SubmittedAt: now}
	}

	tx := wallet.SafeTransaction{
		Safe:      common.HexToAddress(space.SafeAddress),
		To:        common.HexToAddress(space.GovernorAddress),
		Value:     "0",
		Data:      data,
		Operation: 0,
		SafeTxGas: "0",
		BaseGas:   "0",
		GasPrice:  "0",
		Nonce:     nonce,
	}
	hash, sig, err := e.Identity.SignSafeTransaction(tx, chainIDFor(space.Network))
	if err != nil {
		return Receipt{ProposalID: p.ID, Outcome: OutcomeError, Reason: "sign_failed", Path: config.PathSafe, SubmittedAt: now}
	}

	submission := map[string]any{
		"safe":                     tx.Safe.Hex(),
		"to":                       tx.To.Hex(),
		"value":                    tx.Value,
		"data":                     hexutil.Encode(tx.Data),
		"operation":                tx.Operation,
		"safeTxGas":                tx.SafeTxGas,
		"baseGas":                  tx.BaseGas,
		"gasPrice":                 tx.GasPrice,
		"gasToken":                 common.Address{}.Hex(),
		"refundReceiver":           common.Address{}.Hex(),
		"nonce":                    tx.Nonce,
		"contractTransactionHash":  hexutil.Encode(hash),
		"sender":                   e.Identity.Address().Hex(),
		"signature":                hexutil.Encode(sig),
	}
	body, err := json.Marshal(submission)
	if err != nil {
		return Receipt{ProposalID: p.ID, Outcome: OutcomeError, Reason: "marshal_failed", Path: config.PathSafe, SubmittedAt: now}
	}

	endpoint := e.SafeServiceURL + "/api/v1/safes/" + tx.Safe.Hex() + "/multisig-transactions/"
	_, _, err = e.postWithRetry(ctx, endpoint, body)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return Receipt{ProposalID: p.ID, Outcome: OutcomeRejected, Reason: verr.Body, Path: config.PathSafe, SubmittedAt: now}
		}
		return Receipt{ProposalID: p.ID, Outcome: OutcomeError, Reason: "transport_error", Path: config.PathSafe, SubmittedAt: now}
	}

	return Receipt{
		ProposalID:  p.ID,
		Outcome:     OutcomeSubmitted,
		TxHash:      hexutil.Encode(hash),
		Path:        config.PathSafe,
		SubmittedAt: now,
	}
}

// postWithRetry POSTs body to url, retrying 5xx and transport-level
// failures with exponential backoff; a 4xx is returned as a *ValidationError
// and never retried.
func (e *Executor) postWithRetry(ctx context.Context, url string, body []byte) (int, []byte, error) {
	var status int
	var respBody []byte

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.MaxAttempts-1)), ctx)
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.HTTPClient.Do(req)
		if err != nil {
			return &TransportError{Err: err}
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &TransportError{Err: err}
		}
		status = resp.StatusCode

		if resp.StatusCode >= 500 {
			return &TransportError{Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(&ValidationError{StatusCode: resp.StatusCode, Body: string(respBody)})
		}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return status, respBody, err
	}
	return status, respBody, nil
}

func truncateMetadata(s string) string {
	const max = 280
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func extractTxHash(body []byte) string {
	var parsed struct {
		TxHash string `json:"tx_hash"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.TxHash != "" {
		return parsed.TxHash
	}
	return parsed.ID
}

func hashToBigInt(id string) *big.Int {
	return new(big.Int).SetBytes([]byte(id))
}

// chainIDFor resolves a network name to its chain id. Grounded on the
// common EVM network set; unknown networks default to mainnet.
func chainIDFor(network string) uint64 {
	switch network {
	case "mainnet", "":
		return 1
	case "sepolia":
		return 11155111
	case "polygon":
		return 137
	case "arbitrum":
		return 42161
	case "optimism":
		return 10
	default:
		return 1
	}
}

// FetchSafeNonce queries the Safe transaction service for the safe's next
// usable nonce, shared by the executor and the liveness controller's
// self-transfer submission.
func FetchSafeNonce(ctx context.Context, client *http.Client, serviceURL, safeAddress string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serviceURL+"/api/v1/safes/"+safeAddress+"/", nil)
	if err != nil {
		return 0, fmt.Errorf("executor: build nonce request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("executor: fetch nonce: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("executor: read nonce response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("executor: nonce lookup status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("executor: decode nonce response: %w", err)
	}
	return parsed.Nonce, nil
}
