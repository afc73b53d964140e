// Package cleanup removes sessions that have been idle longer than their TTL.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/fashion-studio/internal/domain"
	"github.com/ashureev/fashion-studio/internal/shared"
	"github.com/ashureev/fashion-studio/internal/store"
)

const ttlWorkerInterval = 5 * time.Minute

// Expirer deletes one session and everything it owns, unless the session was
// used again after the sweep listed it.
type Expirer interface {
	Expire(ctx context.Context, state *domain.SessionState, ttl time.Duration) (bool, error)
}

// CleanupCallback is called after a session is removed by the TTL worker.
type CleanupCallback func(key domain.SessionKey)

// StartTTLWorker runs a background goroutine that periodically sweeps for
// idle sessions and deletes them with their result images.
func StartTTLWorker(ctx context.Context, repo store.Repository, expirer Expirer, ttl time.Duration, onCleanup CleanupCallback) {
	startTTLWorker(ctx, repo, expirer, ttl, ttlWorkerInterval, onCleanup)
}

func startTTLWorker(ctx context.Context, repo store.Repository, expirer Expirer, ttl, interval time.Duration, onCleanup CleanupCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				CleanupExpiredSessions(ctx, repo, expirer, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// CleanupExpiredSessions runs one sweep and returns the number of sessions removed.
func CleanupExpiredSessions(ctx context.Context, repo store.Repository, expirer Expirer, ttl time.Duration, onCleanup CleanupCallback) int {
	expired, err := repo.GetExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to get expired sessions", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	slog.Info("TTL worker found expired sessions", "count", len(expired))

	cleaned := 0
	for _, state := range expired {
		key := state.Key()
		removed := false
		err := shared.RetryOnConflict(ctx, "expire session", 3, 100*time.Millisecond, func() error {
			var expireErr error
			removed, expireErr = expirer.Expire(ctx, state, ttl)
			return expireErr
		})
		if err != nil {
			if ctx.Err() != nil {
				slog.Debug("TTL worker: context canceled, cleanup may be incomplete", "user_id", key.UserID, "error", err)
				return cleaned
			}
			slog.Warn("TTL worker failed to expire session after retries",
				"error", err,
				"user_id", key.UserID,
				"session_id", key.SessionID)
			continue
		}
		if !removed {
			continue
		}

		cleaned++
		if onCleanup != nil {
			onCleanup(key)
		}
	}

	slog.Info("TTL worker cleanup completed", "cleaned", cleaned)
	return cleaned
}
