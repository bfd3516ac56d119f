package conversation

import (
	"context"
	"log/slog"
	"time"
)

// ExpiryStore marks conversations past their TTL inactive in bulk.
type ExpiryStore interface {
	DeactivateExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper periodically deactivates conversations older than the TTL so
// transcripts and counts reflect expiry without waiting for another turn.
// HandleTurn checks expiry on its own; the sweeper never changes a result.
type Sweeper struct {
	store    ExpiryStore
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper for opts.TTL. If interval is <= 0, it
// defaults to one minute.
func NewSweeper(store ExpiryStore, opts Options, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		store:    store,
		ttl:      opts.TTL,
		interval: interval,
		now:      opts.Now,
		logger:   slog.Default(),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("expiry sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce deactivates every conversation created more than the TTL ago.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.store.DeactivateExpired(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("deactivated expired conversations", "count", n)
	}
	return n, nil
}
