package chat

import (
	"context"
	"log/slog"
	"time"

	"finplan/internal/store"
)

const ttlWorkerInterval = 5 * time.Minute

// auditRetention is how long exchange audit records are kept.
const auditRetention = 7 * 24 * time.Hour

// StartTTLWorker runs a background goroutine that periodically drops
// idle sessions and trims the audit trail.
func StartTTLWorker(ctx context.Context, repo store.Repository, mgr *Manager, ttl time.Duration) {
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", ttlWorkerInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepIdleSessions(ctx, repo, mgr, ttl)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepIdleSessions(ctx context.Context, repo store.Repository, mgr *Manager, ttl time.Duration) {
	idle, err := repo.GetIdleUsers(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to get idle users", "error", err)
		return
	}

	for _, user := range idle {
		mgr.CloseUser(user.UserID)
	}
	if len(idle) > 0 {
		slog.Info("TTL worker closed idle users", "count", len(idle))
	}

	// In-memory sessions can outlive their store record (the identity
	// middleware refreshes last_seen on every request, sessions only on
	// state changes), so prune by session activity as well.
	if pruned := mgr.PruneIdle(ttl); pruned > 0 {
		slog.Info("TTL worker pruned idle sessions", "count", pruned)
	}

	if deleted, err := repo.PurgeAuditBefore(ctx, time.Now().Add(-auditRetention)); err != nil {
		slog.Error("TTL worker failed to purge audit records", "error", err)
	} else if deleted > 0 {
		slog.Info("TTL worker purged audit records", "count", deleted)
	}
}
