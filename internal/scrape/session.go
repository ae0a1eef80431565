package scrape

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tallyflow/internal/breaker"
	"tallyflow/internal/domain"
)

// SessionPool owns every portal session. One token serves one zone and
// is leased to at most one goroutine at a time; concurrent workers each
// hold their own zone's token, never a shared one.
type SessionPool struct {
	portal        Portal
	solver        Solver
	portalBreaker *breaker.Breaker
	solverBreaker *breaker.Breaker

	mu       sync.Mutex
	sessions map[string]*domain.SessionToken // zone key -> cached token
	leased   map[string]bool                 // zone key -> currently held
}

func NewSessionPool(portal Portal, solver Solver, portalBreaker, solverBreaker *breaker.Breaker) *SessionPool {
	return &SessionPool{
		portal:        portal,
		solver:        solver,
		portalBreaker: portalBreaker,
		solverBreaker: solverBreaker,
		sessions:      map[string]*domain.SessionToken{},
		leased:        map[string]bool{},
	}
}

// Acquire leases the zone's session, opening a new one when the cached
// token is missing or expired. A challenge during open is solved once
// when a solver is configured, then the open is retried with the
// response token.
func (p *SessionPool) Acquire(ctx context.Context, zone domain.Zone) (*domain.SessionToken, error) {
	key := zone.String()

	p.mu.Lock()
	if p.leased[key] {
		p.mu.Unlock()
		return nil, fmt.Errorf("session for zone %s is already leased", zone)
	}
	cached := p.sessions[key]
	if cached != nil && !cached.Expired(time.Now()) {
		p.leased[key] = true
		cached.UseCount++
		p.mu.Unlock()
		return cached, nil
	}
	delete(p.sessions, key)
	p.mu.Unlock()

	token, err := p.open(ctx, zone)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[key] = &token
	p.leased[key] = true
	p.mu.Unlock()
	return &token, nil
}

func (p *SessionPool) open(ctx context.Context, zone domain.Zone) (domain.SessionToken, error) {
	var token domain.SessionToken
	err := p.portalBreaker.Do(func() error {
		var openErr error
		token, openErr = p.portal.OpenSession(ctx, zone, "")
		return openErr
	})
	if err == nil {
		return token, nil
	}

	var chErr *ChallengeError
	if !errors.As(err, &chErr) || p.solver == nil {
		return domain.SessionToken{}, err
	}

	log.Printf("scrape challenge zone=%s solving", zone)
	var response string
	solveErr := p.solverBreaker.Do(func() error {
		var sErr error
		response, sErr = p.solver.Solve(ctx, chErr.Challenge)
		return sErr
	})
	if solveErr != nil {
		return domain.SessionToken{}, fmt.Errorf("solving challenge for zone %s: %w", zone, solveErr)
	}

	err = p.portalBreaker.Do(func() error {
		var openErr error
		token, openErr = p.portal.OpenSession(ctx, zone, response)
		return openErr
	})
	if err != nil {
		return domain.SessionToken{}, fmt.Errorf("reopening session after solve: %w", err)
	}
	log.Printf("scrape challenge zone=%s solved", zone)
	return token, nil
}

// Release returns a leased token to the pool for reuse.
func (p *SessionPool) Release(token *domain.SessionToken) {
	if token == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leased[token.Zone.String()] = false
}

// Invalidate drops a token that the portal no longer honors. The next
// Acquire for the zone opens a fresh session.
func (p *SessionPool) Invalidate(token *domain.SessionToken) {
	if token == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := token.Zone.String()
	delete(p.sessions, key)
	p.leased[key] = false
}
