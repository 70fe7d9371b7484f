// Package snapshot fetches governance proposals from a Snapshot-compatible
// GraphQL API.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Backland-Labs/quorum-ai-sub001/internal/proposal"
)

// Client fetches active proposals for a set of spaces.
type Client interface {
	FetchActiveProposals(ctx context.Context, spaceIDs []string, first int) ([]proposal.Proposal, error)
}

// HTTPClient is a plain net/http GraphQL client, following the same
// request/response collaborator pattern used for every other external
// HTTP dependency in this codebase.
type HTTPClient struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPClient constructs a client bound to endpoint.
func NewHTTPClient(endpoint, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

const proposalsQuery = `query Proposals($space_in: [String], $first: Int) {
  proposals(where: {space_in: $space_in, state: "active"}, first: $first) {
    id
    space { id }
    title
    body
    author
    start
    end
    state
    choices
    scores
  }
}`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type proposalRecord struct {
	ID      string   `json:"id"`
	Space   struct {
		ID string `json:"id"`
	} `json:"space"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Author  string    `json:"author"`
	Start   int64     `json:"start"`
	End     int64     `json:"end"`
	State   string    `json:"state"`
	Choices []string  `json:"choices"`
	Scores  []float64 `json:"scores"`
}

type graphQLResponse struct {
	Data struct {
		Proposals []proposalRecord `json:"proposals"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// FetchActiveProposals queries the configured endpoint for active
// proposals across spaceIDs, capped to first results.
func (c *HTTPClient) FetchActiveProposals(ctx context.Context, spaceIDs []string, first int) ([]proposal.Proposal, error) {
	body, err := json.Marshal(graphQLRequest{
		Query: proposalsQuery,
		Variables: map[string]any{
			"space_in": spaceIDs,
			"first":    first,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("snapshot: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot: request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("snapshot: transient status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("snapshot: rejected with status %d: %s", resp.StatusCode, string(payload))
	}

	var parsed graphQLResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("snapshot: decode response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("snapshot: graphql error: %s", parsed.Errors[0].Message)
	}

	out := make([]proposal.Proposal, 0, len(parsed.Data.Proposals))
	for _, r := range parsed.Data.Proposals {
		out = append(out, proposal.Proposal{
			ID:      r.ID,
			SpaceID: r.Space.ID,
			Title:   r.Title,
			Body:    r.Body,
			Author:  r.Author,
			Start:   time.Unix(r.Start, 0).UTC(),
			End:     time.Unix(r.End, 0).UTC(),
			State:   proposal.State(r.State),
			Choices: r.Choices,
			Scores:  r.Scores,
		})
	}
	return out, nil
}
