// Package recovery runs the one-shot startup reclaim of rows left in
// Broadcasting with next_action_at NULL. The store's lease operations
// leave next_action_at in place, so a Broadcasting row that still has
// one is not touched here; it becomes leasable again once its
// lease_until passes.
package recovery

import (
	"context"
	"time"

	"github.com/arvina-tech/temprano-watchtower/internal/store"
	"github.com/arvina-tech/temprano-watchtower/internal/wtlog"
)

// Run reclaims every stuck Broadcasting row across all chains, moving
// each back to RetryScheduled so the scheduler picks it up again. It
// is meant to run once, before the scheduler and watcher loops start.
func Run(ctx context.Context, st store.Store) (int, error) {
	recovered, err := st.RecoverStuckBroadcasts(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if len(recovered) > 0 {
		wtlog.L(ctx).WithField("count", len(recovered)).Info("recovered stuck broadcasts")
	}
	return len(recovered), nil
}
