// Package scrape acquires zone-scoped portal sessions and fetches every
// tally sheet of a zone on one session before moving on. The portal's
// anti-bot challenge correlates with zone switches, not per-form
// requests, so sessions are the unit the whole package is built around.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"tallyflow/internal/domain"
)

// StationImage is one fetched tally sheet.
type StationImage struct {
	Station string
	Image   []byte
}

// Challenge is the anti-bot verification payload the portal serves when
// it dislikes a session request.
type Challenge struct {
	Zone    domain.Zone
	SiteKey string
	PageURL string
}

// ChallengeError carries the challenge so a solver can be invoked. It
// unwraps to domain.ErrChallengeDetected for taxonomy matching.
type ChallengeError struct {
	Challenge Challenge
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("challenge detected for zone %s", e.Challenge.Zone)
}

func (e *ChallengeError) Unwrap() error { return domain.ErrChallengeDetected }

// Portal is the volatile external the scraper talks to. The HTTP
// implementation below targets the government results site; tests plug
// in fakes.
type Portal interface {
	// OpenSession starts a zone-scoped session. challengeToken is empty
	// on the first attempt and carries a solver response on retry.
	OpenSession(ctx context.Context, zone domain.Zone, challengeToken string) (domain.SessionToken, error)
	// StationIDs lists every polling station of the session's zone.
	StationIDs(ctx context.Context, session *domain.SessionToken) ([]string, error)
	// FetchForm downloads one station's scanned form image.
	FetchForm(ctx context.Context, session *domain.SessionToken, station string) ([]byte, error)
}

// HTTPPortal talks to the portal's JSON endpoints.
type HTTPPortal struct {
	BaseURL    string
	APIToken   string
	Client     *http.Client
	SessionTTL time.Duration
}

type sessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type challengeResponse struct {
	Challenge struct {
		SiteKey string `json:"site_key"`
		PageURL string `json:"page_url"`
	} `json:"challenge"`
}

func (p *HTTPPortal) OpenSession(ctx context.Context, zone domain.Zone, challengeToken string) (domain.SessionToken, error) {
	endpoint := fmt.Sprintf("%s/api/v1/sessions?department=%s&municipality=%s",
		strings.TrimRight(p.BaseURL, "/"),
		url.QueryEscape(zone.Department), url.QueryEscape(zone.Municipality))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return domain.SessionToken{}, fmt.Errorf("creating session request: %w", err)
	}
	p.setHeaders(req)
	if challengeToken != "" {
		req.Header.Set("X-Challenge-Response", challengeToken)
	}

	body, err := p.do(req, zone)
	if err != nil {
		return domain.SessionToken{}, err
	}

	var sr sessionResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return domain.SessionToken{}, fmt.Errorf("parsing session response: %w", err)
	}

	now := time.Now()
	expires := now.Add(p.SessionTTL)
	if sr.ExpiresAt != "" {
		if parsed, err := time.Parse(time.RFC3339, sr.ExpiresAt); err == nil {
			expires = parsed
		}
	}
	return domain.SessionToken{
		ID:        uuid.NewString(),
		Zone:      zone,
		Value:     sr.Token,
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}

type stationPage struct {
	Stations []struct {
		ID string `json:"id"`
	} `json:"stations"`
}

func (p *HTTPPortal) StationIDs(ctx context.Context, session *domain.SessionToken) ([]string, error) {
	zone := session.Zone
	var all []string
	page := 1

	for {
		endpoint := fmt.Sprintf("%s/api/v1/departments/%s/municipalities/%s/stations?per_page=100&page=%d",
			strings.TrimRight(p.BaseURL, "/"),
			url.PathEscape(zone.Department), url.PathEscape(zone.Municipality), page)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("creating stations request: %w", err)
		}
		p.setHeaders(req)
		req.Header.Set("X-Session-Token", session.Value)

		body, err := p.do(req, zone)
		if err != nil {
			return nil, err
		}

		var sp stationPage
		if err := json.Unmarshal(body, &sp); err != nil {
			return nil, fmt.Errorf("parsing stations response: %w", err)
		}
		for _, s := range sp.Stations {
			all = append(all, s.ID)
		}
		if len(sp.Stations) < 100 {
			break
		}
		page++
	}
	return all, nil
}

func (p *HTTPPortal) FetchForm(ctx context.Context, session *domain.SessionToken, station string) ([]byte, error) {
	zone := session.Zone
	endpoint := fmt.Sprintf("%s/api/v1/departments/%s/municipalities/%s/stations/%s/e14",
		strings.TrimRight(p.BaseURL, "/"),
		url.PathEscape(zone.Department), url.PathEscape(zone.Municipality), url.PathEscape(station))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating form request: %w", err)
	}
	p.setHeaders(req)
	req.Header.Set("X-Session-Token", session.Value)

	return p.do(req, zone)
}

func (p *HTTPPortal) setHeaders(req *http.Request) {
	if p.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIToken)
	}
	req.Header.Set("Accept", "application/json, image/png")
}

// do executes the request and maps portal responses onto the error
// taxonomy: 401 is an expired session, 403/429 and challenge payloads
// are challenges, 5xx and transport errors are transient.
func (p *HTTPPortal) do(req *http.Request, zone domain.Zone) ([]byte, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", domain.ErrTransientNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: portal returned 401", domain.ErrSessionExpired)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, p.challengeError(zone, body)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: portal returned %d", domain.ErrTransientNetwork, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("portal returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func (p *HTTPPortal) challengeError(zone domain.Zone, body []byte) error {
	ch := Challenge{Zone: zone, PageURL: p.BaseURL}
	var cr challengeResponse
	if err := json.Unmarshal(body, &cr); err == nil && cr.Challenge.SiteKey != "" {
		ch.SiteKey = cr.Challenge.SiteKey
		if cr.Challenge.PageURL != "" {
			ch.PageURL = cr.Challenge.PageURL
		}
	}
	return &ChallengeError{Challenge: ch}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
