package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tallyflow/internal/domain"
)

// Solver turns a portal challenge into a response token. Optional: when
// no solver is configured a challenge is surfaced as a retryable error.
type Solver interface {
	Solve(ctx context.Context, ch Challenge) (string, error)
}

// HTTPSolver calls an external solving provider's JSON API.
type HTTPSolver struct {
	URL     string
	APIKey  string
	Client  *http.Client
	Timeout time.Duration
}

type solveRequest struct {
	APIKey  string `json:"api_key"`
	SiteKey string `json:"site_key"`
	PageURL string `json:"page_url"`
}

type solveResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

func (s *HTTPSolver) Solve(ctx context.Context, ch Challenge) (string, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(solveRequest{
		APIKey:  s.APIKey,
		SiteKey: ch.SiteKey,
		PageURL: ch.PageURL,
	})
	if err != nil {
		return "", fmt.Errorf("encoding solve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating solve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: solver: %v", domain.ErrTransientNetwork, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("%w: reading solver response: %v", domain.ErrTransientNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: solver returned %d", domain.ErrTransientNetwork, resp.StatusCode)
	}

	var sr solveResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("parsing solver response: %w", err)
	}
	if sr.Error != "" {
		return "", fmt.Errorf("solver error: %s", sr.Error)
	}
	if sr.Token == "" {
		return "", fmt.Errorf("solver returned empty token")
	}
	return sr.Token, nil
}
