package bridge

import (
	"context"
	"time"

	"github.com/dpup/wxauth/logging"
	"golang.org/x/sync/errgroup"
)

// CleanupResult counts the records removed by CleanupAll.
type CleanupResult struct {
	StatesRemoved     int64
	CodesRemoved      int64
	TokensRemoved     int64
	UserTokensRemoved int64
}

// CleanupAll purges expired state tokens, spent codes, dead tokens and stale
// upstream records. The passes run concurrently and a failing pass doesn't
// cancel the others: counts from passes that succeeded are returned
// alongside the first error.
func (s *Service) CleanupAll(ctx context.Context) (CleanupResult, error) {
	start := time.Now()
	defer func() {
		s.metrics.CleanupDuration.Observe(time.Since(start).Seconds())
	}()

	var res CleanupResult
	var g errgroup.Group
	g.Go(func() error {
		n, err := s.states.CleanupStates(ctx)
		res.StatesRemoved = n
		return err
	})
	g.Go(func() error {
		n, err := s.grants.CleanupAuthCodes(ctx)
		res.CodesRemoved = n
		return err
	})
	g.Go(func() error {
		n, err := s.grants.CleanupAccessTokens(ctx)
		res.TokensRemoved = n
		if err != nil {
			return err
		}
		n, err = s.users.CleanupUserTokens(ctx)
		res.UserTokensRemoved = n
		return err
	})
	err := g.Wait()

	s.metrics.CleanupRemoved.WithLabelValues("states").Add(float64(res.StatesRemoved))
	s.metrics.CleanupRemoved.WithLabelValues("codes").Add(float64(res.CodesRemoved))
	s.metrics.CleanupRemoved.WithLabelValues("tokens").Add(float64(res.TokensRemoved))
	s.metrics.CleanupRemoved.WithLabelValues("user_tokens").Add(float64(res.UserTokensRemoved))

	logging.Infow(ctx, "bridge: cleanup finished",
		"cleanup.states", res.StatesRemoved,
		"cleanup.codes", res.CodesRemoved,
		"cleanup.tokens", res.TokensRemoved,
		"cleanup.user_tokens", res.UserTokensRemoved,
		"error", err)
	return res, err
}

// Janitor runs CleanupAll on an interval.
type Janitor struct {
	svc      *Service
	interval time.Duration
}

// NewJanitor returns a janitor for svc. Intervals below a second are raised
// to a second.
func NewJanitor(svc *Service, interval time.Duration) *Janitor {
	if interval < time.Second {
		interval = time.Second
	}
	return &Janitor{svc: svc, interval: interval}
}

// Run blocks until ctx is cancelled. A failed pass is logged and retried at
// the next tick.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	logging.Infow(ctx, "bridge: janitor started", "cleanup.interval", j.interval.String())
	for {
		select {
		case <-ticker.C:
			if _, err := j.svc.CleanupAll(ctx); err != nil {
				logging.Errorw(ctx, "bridge: cleanup pass failed", "error", err)
			}
		case <-ctx.Done():
			logging.Info(ctx, "bridge: janitor stopped")
			return nil
		}
	}
}
