// Package scheduler runs one dispatch loop per configured chain,
// leasing due transactions and handing each to a bounded pool of
// broadcast workers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arvina-tech/temprano-watchtower/internal/broadcaster"
	"github.com/arvina-tech/temprano-watchtower/internal/model"
	"github.com/arvina-tech/temprano-watchtower/internal/readyindex"
	"github.com/arvina-tech/temprano-watchtower/internal/rpcmanager"
	"github.com/arvina-tech/temprano-watchtower/internal/store"
	"github.com/arvina-tech/temprano-watchtower/internal/wtlog"
)

// Config bounds the scheduler's polling cadence, concurrency, lease
// duration, and retry backoff.
type Config struct {
	PollInterval   time.Duration
	MaxConcurrency int
	LeaseTTL       time.Duration
	RetryMinDelay  time.Duration
	RetryMaxDelay  time.Duration
	BroadcastFanout int
	BroadcastTimeout time.Duration
}

// Scheduler dispatches broadcast work for every configured chain.
type Scheduler struct {
	cfg   Config
	store store.Store
	index *readyindex.Index
	rpcs  *rpcmanager.Manager
}

// New constructs a Scheduler. Call Run once per configured chain ID.
func New(cfg Config, st store.Store, idx *readyindex.Index, rpcs *rpcmanager.Manager) *Scheduler {
	return &Scheduler{cfg: cfg, store: st, index: idx, rpcs: rpcs}
}

// Run starts the dispatch loop for chainID and blocks until ctx is
// canceled.
func (s *Scheduler) Run(ctx context.Context, chainID uint64) {
	leaseOwner := fmt.Sprintf("scheduler:%d:%s", chainID, uuid.NewString())
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	log := wtlog.WithChain(ctx, chainID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(log, chainID, leaseOwner, sem, nil)
		}
	}
}

// RunOnce leases and dispatches one round of due transactions for
// chainID, blocking until every dispatched broadcast attempt has
// completed. It exists for callers that need a single, deterministic
// pass instead of the ticking Run loop.
func (s *Scheduler) RunOnce(ctx context.Context, chainID uint64, leaseOwner string) {
	maxConcurrency := s.cfg.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	s.tick(ctx, chainID, leaseOwner, sem, &wg)
	wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context, chainID uint64, leaseOwner string, sem chan struct{}, wg *sync.WaitGroup) {
	available := cap(sem) - len(sem)
	if available <= 0 {
		return
	}

	now := time.Now()
	leaseUntil := now.Add(s.cfg.LeaseTTL)

	var leased []*model.TxRecord

	hashes, err := s.index.FetchDue(ctx, chainID, now, available)
	if err != nil {
		wtlog.L(ctx).WithError(err).Warn("failed to fetch due txs from redis")
	}
	for _, h := range hashes {
		txHash, err := readyindex.ParseHash(h)
		if err != nil {
			continue
		}
		rec, err := s.store.AcquireDueByHash(ctx, chainID, txHash, now, leaseOwner, leaseUntil)
		if err != nil {
			wtlog.L(ctx).WithError(err).Warn("failed to lease tx by hash")
		} else if rec != nil {
			leased = append(leased, rec)
		}
		if err := s.index.Remove(ctx, chainID, txHash); err != nil {
			wtlog.L(ctx).WithError(err).Warn("failed to clear index entry")
		}
	}

	remaining := available - len(leased)
	if remaining > 0 {
		batch, err := s.store.AcquireDueBatch(ctx, chainID, now, leaseOwner, leaseUntil, remaining)
		if err != nil {
			wtlog.L(ctx).WithError(err).Warn("failed to lease due txs from store")
		} else {
			leased = append(leased, batch...)
		}
	}

	for _, rec := range leased {
		sem <- struct{}{}
		if wg != nil {
			wg.Add(1)
		}
		go func(rec *model.TxRecord) {
			defer func() { <-sem }()
			if wg != nil {
				defer wg.Done()
			}
			if err := s.handleBroadcast(ctx, chainID, rec); err != nil {
				wtlog.L(ctx).WithField("tx_hash", rec.TxHash.Hex()).WithError(err).Error("broadcast attempt failed")
			}
		}(rec)
	}
}

func (s *Scheduler) handleBroadcast(ctx context.Context, chainID uint64, rec *model.TxRecord) error {
	now := time.Now()
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
		_, err := s.store.MarkTerminalIfLeased(ctx, rec.ID, leaseOwnerOf(rec), model.StatusExpired, rec.Attempts, nil)
		return err
	}
	if len(rec.RawTx) == 0 {
		msg := "missing raw_tx"
		_, err := s.store.MarkTerminalIfLeased(ctx, rec.ID, leaseOwnerOf(rec), model.StatusInvalid, rec.Attempts, &msg)
		return err
	}

	chain := s.rpcs.Chain(chainID)
	if chain == nil {
		return fmt.Errorf("missing rpc chain %d", chainID)
	}

	outcome := broadcaster.Broadcast(ctx, chain, rec.RawTx, s.cfg.BroadcastFanout, s.cfg.BroadcastTimeout, rec.Attempts)
	attempts := rec.Attempts + 1

	switch outcome.Kind {
	case broadcaster.Accepted:
		return s.reschedule(ctx, chainID, rec, attempts, now, errOrNil(outcome.Error))
	case broadcaster.Retry:
		errMsg := outcome.Error
		return s.reschedule(ctx, chainID, rec, attempts, now, &errMsg)
	case broadcaster.Invalid:
		errMsg := outcome.Error
		_, err := s.store.MarkTerminalIfLeased(ctx, rec.ID, leaseOwnerOf(rec), model.StatusInvalid, attempts, &errMsg)
		if err == nil {
			_ = s.index.Remove(ctx, chainID, rec.TxHash)
		}
		return err
	}
	return nil
}

func (s *Scheduler) reschedule(ctx context.Context, chainID uint64, rec *model.TxRecord, attempts int, now time.Time, lastErr *string) error {
	nextActionAt := scheduleNextAttempt(now, rec.ExpiresAt, attempts, s.cfg.RetryMinDelay, s.cfg.RetryMaxDelay)
	ok, err := s.store.RescheduleIfLeased(ctx, rec.ID, leaseOwnerOf(rec), model.StatusRetryScheduled, nextActionAt, attempts, lastErr)
	if err != nil || !ok {
		return err
	}
	return s.index.Reschedule(ctx, chainID, rec.TxHash, nextActionAt)
}

func leaseOwnerOf(rec *model.TxRecord) string {
	if rec.LeaseOwner == nil {
		return ""
	}
	return *rec.LeaseOwner
}

func errOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scheduleNextAttempt(now time.Time, expiresAt *time.Time, attempts int, minDelay, maxDelay time.Duration) time.Time {
	delay := retryBackoff(attempts, minDelay, maxDelay)
	next := now.Add(delay)
	if expiresAt != nil && next.After(*expiresAt) {
		next = *expiresAt
	}
	return next
}

// retryBackoff implements exponential backoff with a saturating shift
// capped at 10: delay = clamp(min * 2^min(n-1,10), min, max).
func retryBackoff(attempts int, minDelay, maxDelay time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	delay := minDelay * time.Duration(1<<uint(shift))
	if delay < minDelay {
		delay = minDelay
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
