package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"Mailer/internal/config"
	"Mailer/internal/models"
)

// Store is the durable table of commands. Claims are atomic: no two callers
// of ClaimNext receive the same row while its lease is live.
type Store interface {
	Insert(ctx context.Context, cmd *models.PersistentCommand) (string, error)

	// ClaimNext returns apperrors.ErrNoCommand when nothing is claimable.
	ClaimNext(ctx context.Context, owner string, leaseTTL time.Duration) (*models.PersistentCommand, error)

	// RenewLease restarts the lease clock of a command owner still holds.
	RenewLease(ctx context.Context, id, owner string) error

	Complete(ctx context.Context, id, owner string) error

	// Release hands a claimed command back untouched: pending again, lease
	// cleared and the claim's attempt not counted.
	Release(ctx context.Context, id, owner string) error

	// Fail puts the command back to pending while attempts < maxAttempts,
	// otherwise marks it failed. It returns the resulting state.
	Fail(ctx context.Context, id, owner, errMsg string, maxAttempts int) (models.CommandState, error)

	Get(ctx context.Context, id string) (*models.PersistentCommand, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
	Close() error
}

// Open picks the backend configured by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return New(ctx, cfg, logger)
	case config.DriverBolt:
		return NewBoltStore(cfg.BoltPath, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
