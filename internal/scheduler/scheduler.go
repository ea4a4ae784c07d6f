// Package scheduler claims, renews, and releases Run leases against a
// store.Store, and runs the background reaper that re-queues runs whose
// lease expired without renewal.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/antigravity-dev/aonp/internal/aonperr"
	"github.com/antigravity-dev/aonp/internal/store"
)

// Claimer wraps a store.Store with the claim/renew/release contract of
// spec.md §4.4 and owns the background reaper loop, matching the teacher's
// health.Monitor Start(ctx)/ticker shape generalized from health checks to
// lease reclamation.
type Claimer struct {
	store    store.Store
	logger   *slog.Logger
	leaseTTL time.Duration

	reaperInterval  time.Duration
	claimBackoffMin time.Duration
	claimBackoffMax time.Duration

	stop chan struct{}
	done chan struct{}
}

// New builds a Claimer. leaseTTL governs ClaimNext/RenewLease; reaperInterval
// governs how often ReapExpiredLeases runs in the background loop started by
// Start.
func New(s store.Store, logger *slog.Logger, leaseTTL, reaperInterval, claimBackoffMin, claimBackoffMax time.Duration) *Claimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Claimer{
		store:           s,
		logger:          logger,
		leaseTTL:        leaseTTL,
		reaperInterval:  reaperInterval,
		claimBackoffMin: claimBackoffMin,
		claimBackoffMax: claimBackoffMax,
	}
}

// ClaimNext hands one ready run to workerID, or returns nil, nil if the
// queue is empty.
func (c *Claimer) ClaimNext(ctx context.Context, workerID string) (*store.Run, error) {
	return c.store.ClaimNext(ctx, workerID, c.leaseTTL)
}

// RenewLease extends the lease for a run the caller still owns.
func (c *Claimer) RenewLease(ctx context.Context, runID, workerID string) (stolen bool, err error) {
	return c.store.RenewLease(ctx, runID, workerID, c.leaseTTL)
}

// Release terminates a claimed run with its final status.
func (c *Claimer) Release(ctx context.Context, runID, workerID string, finalStatus store.RunStatus, artifacts *store.Artifacts, runErr *aonperr.Error) (stolen bool, err error) {
	return c.store.Release(ctx, runID, workerID, finalStatus, artifacts, runErr)
}

// ClaimNextWithBackoff polls ClaimNext until a run is claimed or ctx is
// cancelled, sleeping with exponential backoff (claimBackoffMin base, capped
// at claimBackoffMax) between empty polls — the same doubling-with-cap idiom
// as the teacher's dispatch retry backoff, generalized from dispatch
// retries to claim polling.
func (c *Claimer) ClaimNextWithBackoff(ctx context.Context, workerID string) (*store.Run, error) {
	attempt := 0
	for {
		run, err := c.ClaimNext(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if run != nil {
			return run, nil
		}

		attempt++
		delay := backoffDelay(attempt, c.claimBackoffMin, c.claimBackoffMax)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Start runs the reaper on reaperInterval until ctx is cancelled or Stop is
// called.
func (c *Claimer) Start(ctx context.Context) {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	ticker := time.NewTicker(c.reaperInterval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()

		c.reapOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.reapOnce(ctx)
			}
		}
	}()
}

// Stop signals the reaper loop to exit and waits for it to finish.
func (c *Claimer) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
}

func (c *Claimer) reapOnce(ctx context.Context) {
	ids, err := c.store.ReapExpiredLeases(ctx)
	if err != nil {
		c.logger.Error("reap expired leases failed", "error", err)
		return
	}
	if len(ids) > 0 {
		c.logger.Info("reaped expired leases", "run_ids", ids, "count", len(ids))
	}
}
