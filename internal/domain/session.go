package domain

import "time"

// SessionToken is a scraper credential scoped to one zone. A token is
// owned by exactly one scraper session at a time; the pool hands it out
// and takes it back, it is never shared across workers.
type SessionToken struct {
	ID        string
	Zone      Zone
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	UseCount  int
}

// Expired reports whether the token's validity window has passed.
func (t *SessionToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}
