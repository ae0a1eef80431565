package scrape

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tallyflow/internal/breaker"
	"tallyflow/internal/domain"
)

// Config holds the scraper's retry and concurrency knobs.
type Config struct {
	ParallelZones int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Scraper fetches every station of a zone on a single session. Zones
// may run in parallel (separate sessions); stations within a zone are
// strictly sequential on their session.
type Scraper struct {
	pool          *SessionPool
	portalBreaker *breaker.Breaker
	cfg           Config
	sleep         func(context.Context, time.Duration) error
}

func NewScraper(pool *SessionPool, portalBreaker *breaker.Breaker, cfg Config) *Scraper {
	if cfg.ParallelZones < 1 {
		cfg.ParallelZones = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Scraper{
		pool:          pool,
		portalBreaker: portalBreaker,
		cfg:           cfg,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FetchZone completes the whole zone batch on one session. On session
// expiry (or a mid-zone challenge) it invalidates the token, acquires a
// fresh one and resumes from the next unfetched station rather than
// restarting the zone. Reacquisitions per station are capped at
// MaxRetries with backoff in between, so a portal that keeps rejecting
// fresh tokens surfaces an error instead of being hammered.
func (s *Scraper) FetchZone(ctx context.Context, zone domain.Zone) ([]StationImage, error) {
	session, err := s.acquire(ctx, zone)
	if err != nil {
		return nil, fmt.Errorf("acquiring session for zone %s: %w", zone, err)
	}
	defer func() { s.pool.Release(session) }()

	var stations []string
	err = s.withRetry(ctx, "stations", func() error {
		return s.portalBreaker.Do(func() error {
			var listErr error
			stations, listErr = s.pool.portal.StationIDs(ctx, session)
			return listErr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing stations for zone %s: %w", zone, err)
	}
	log.Printf("scrape zone=%s stations=%d session=%s", zone, len(stations), session.ID)

	var out []StationImage
	reacquires := 0
	for i := 0; i < len(stations); {
		station := stations[i]
		img, err := s.fetchStation(ctx, session, station)
		if errors.Is(err, domain.ErrSessionExpired) || errors.Is(err, domain.ErrChallengeDetected) {
			if reacquires >= s.cfg.MaxRetries {
				return out, fmt.Errorf("station %s in zone %s: fresh sessions still rejected after %d reacquisitions: %w",
					station, zone, reacquires, err)
			}
			delay := s.backoff(reacquires)
			reacquires++
			log.Printf("scrape zone=%s station=%s session invalid, reacquiring attempt=%d delay=%s: %v",
				zone, station, reacquires, delay, err)
			s.pool.Invalidate(session)
			if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
				return out, sleepErr
			}
			session, err = s.acquire(ctx, zone)
			if err != nil {
				return out, fmt.Errorf("reacquiring session for zone %s: %w", zone, err)
			}
			continue
		}
		if err != nil {
			return out, fmt.Errorf("fetching station %s in zone %s: %w", station, zone, err)
		}
		out = append(out, StationImage{Station: station, Image: img})
		reacquires = 0
		i++
	}
	return out, nil
}

// FetchZones runs zone batches with bounded parallelism. A failing zone
// does not abort the others; the errors come back joined so callers can
// mark the affected forms FAILED.
func (s *Scraper) FetchZones(ctx context.Context, zones []domain.Zone, handle func(domain.Zone, StationImage) error) error {
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.ParallelZones)

	var mu sync.Mutex
	var errs []error
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, zone := range zones {
		zone := zone
		g.Go(func() error {
			images, err := s.FetchZone(ctx, zone)
			if err != nil {
				record(fmt.Errorf("zone %s: %w", zone, err))
			}
			for _, img := range images {
				if err := handle(zone, img); err != nil {
					record(fmt.Errorf("zone %s station %s: %w", zone, img.Station, err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// acquire retries challenges as well: when no solver is configured the
// challenge is a retryable condition and may clear after backoff.
func (s *Scraper) acquire(ctx context.Context, zone domain.Zone) (*domain.SessionToken, error) {
	var session *domain.SessionToken
	err := s.retryLoop(ctx, "acquire", func() error {
		var aErr error
		session, aErr = s.pool.Acquire(ctx, zone)
		return aErr
	}, true)
	return session, err
}

func (s *Scraper) fetchStation(ctx context.Context, session *domain.SessionToken, station string) ([]byte, error) {
	var img []byte
	err := s.withRetry(ctx, "fetch", func() error {
		return s.portalBreaker.Do(func() error {
			var fErr error
			img, fErr = s.pool.portal.FetchForm(ctx, session, station)
			return fErr
		})
	})
	return img, err
}

// withRetry retries transient failures (including a tripped breaker)
// with exponential backoff and jitter. Session expiry and challenges
// are not retried here; the zone loop handles them by reacquiring.
func (s *Scraper) withRetry(ctx context.Context, op string, fn func() error) error {
	return s.retryLoop(ctx, op, fn, false)
}

func (s *Scraper) retryLoop(ctx context.Context, op string, fn func() error, retryChallenge bool) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !s.retryableHere(err, retryChallenge) || attempt >= s.cfg.MaxRetries {
			return err
		}
		delay := s.backoff(attempt)
		log.Printf("scrape retry op=%s attempt=%d delay=%s err=%v", op, attempt+1, delay, err)
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

func (s *Scraper) retryableHere(err error, retryChallenge bool) bool {
	if errors.Is(err, domain.ErrChallengeDetected) {
		return retryChallenge
	}
	if errors.Is(err, domain.ErrSessionExpired) {
		return false
	}
	return errors.Is(err, domain.ErrTransientNetwork) || errors.Is(err, breaker.ErrOpen)
}

func (s *Scraper) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase << uint(attempt)
	if d > s.cfg.BackoffMax || d <= 0 {
		d = s.cfg.BackoffMax
	}
	// Up to 50% jitter to keep parallel zone workers from syncing up.
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
