package queue

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"Mailer/internal/apperrors"
	"Mailer/internal/db"
	"Mailer/internal/metrics"
	"Mailer/internal/models"
)

const (
	defaultLeaseTTL   = 2 * time.Minute
	maxStoreErrorWait = 30 * time.Second
	storeWarnInterval = 30 * time.Second
)

type Options struct {
	LeaseTTL    time.Duration
	MaxAttempts int
}

// Queue is the enqueue/claim/ack/nack API over a command store.
type Queue struct {
	store       db.Store
	leaseTTL    time.Duration
	maxAttempts int
	log         *zap.Logger

	storeWarn rate.Sometimes
}

func New(store db.Store, opts Options, logger *zap.Logger) *Queue {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	return &Queue{
		store:       store,
		leaseTTL:    opts.LeaseTTL,
		maxAttempts: opts.MaxAttempts,
		log:         logger,
		storeWarn:   rate.Sometimes{Interval: storeWarnInterval},
	}
}

func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Enqueue validates req and stores it as a pending command. An empty id is
// replaced with a random one.
func (q *Queue) Enqueue(ctx context.Context, req models.MessageRequest) (string, error) {
	req.TemplateName = strings.TrimSpace(req.TemplateName)
	if req.TemplateName == "" {
		return "", &apperrors.ValidationError{Field: "template_name", Reason: "must not be empty"}
	}

	recipients := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return "", &apperrors.ValidationError{Field: "recipients", Reason: "must not be empty"}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Trigger == "" {
		req.Trigger = models.DefaultTrigger
	}
	if req.Ctx == nil {
		req.Ctx = map[string]any{}
	}

	id, err := q.store.Insert(ctx, &models.PersistentCommand{
		ID:           req.ID,
		TemplateName: req.TemplateName,
		Trigger:      req.Trigger,
		Ctx:          req.Ctx,
		Recipients:   recipients,
	})
	if err != nil {
		q.countStoreError("insert", err)
		return "", err
	}

	metrics.CommandsEnqueued.Inc()
	q.log.Debug("command enqueued",
		zap.String("command_id", id),
		zap.String("template", req.TemplateName),
		zap.Int("recipients", len(recipients)),
	)

	return id, nil
}

// ClaimNext leases the next command to owner. It returns
// apperrors.ErrNoCommand when the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context, owner string) (*models.PersistentCommand, error) {
	cmd, err := q.store.ClaimNext(ctx, owner, q.leaseTTL)
	if err != nil {
		q.countStoreError("claim", err)
		return nil, err
	}
	return cmd, nil
}

// Renew restarts the lease of a claimed command.
func (q *Queue) Renew(ctx context.Context, cmd *models.PersistentCommand) error {
	err := q.store.RenewLease(ctx, cmd.ID, leaseOwner(cmd))
	q.countStoreError("renew", err)
	return err
}

func (q *Queue) Ack(ctx context.Context, cmd *models.PersistentCommand) error {
	err := q.store.Complete(ctx, cmd.ID, leaseOwner(cmd))
	q.countStoreError("complete", err)
	return err
}

// Release hands a claimed command back to the queue without using up an
// attempt. Workers call it when they stop before anything was sent.
func (q *Queue) Release(ctx context.Context, cmd *models.PersistentCommand) error {
	err := q.store.Release(ctx, cmd.ID, leaseOwner(cmd))
	q.countStoreError("release", err)
	return err
}

// Nack records cause on the command. A retryable nack puts the command back
// to pending until the attempt ceiling is reached; otherwise it fails for good.
func (q *Queue) Nack(
	ctx context.Context,
	cmd *models.PersistentCommand,
	cause error,
	retryable bool,
) (models.CommandState, error) {

	ceiling := 0
	if retryable {
		ceiling = q.maxAttempts
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	state, err := q.store.Fail(ctx, cmd.ID, leaseOwner(cmd), msg, ceiling)
	q.countStoreError("fail", err)
	return state, err
}

func (q *Queue) Get(ctx context.Context, id string) (*models.PersistentCommand, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) Stats(ctx context.Context) (*models.QueueStats, error) {
	return q.store.Stats(ctx)
}

// Commands yields claimed commands for owner until ctx is cancelled or the
// consumer stops. It sleeps pollInterval when the queue is empty and backs
// off exponentially while the store is failing. A command is only claimed
// when the consumer asks for the next one.
func (q *Queue) Commands(ctx context.Context, owner string, pollInterval time.Duration) iter.Seq[*models.PersistentCommand] {
	return func(yield func(*models.PersistentCommand) bool) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = pollInterval
		b.MaxInterval = maxStoreErrorWait
		b.MaxElapsedTime = 0
		b.Reset()

		for {
			if ctx.Err() != nil {
				return
			}

			cmd, err := q.ClaimNext(ctx, owner)

			var wait time.Duration
			switch {
			case err == nil:
				b.Reset()
				if !yield(cmd) {
					return
				}
				continue

			case errors.Is(err, apperrors.ErrNoCommand):
				b.Reset()
				wait = pollInterval

			default:
				if ctx.Err() != nil {
					return
				}
				wait = b.NextBackOff()
				q.storeWarn.Do(func() {
					q.log.Warn("command store unavailable, backing off",
						zap.String("owner", owner),
						zap.Duration("wait", wait),
						zap.Error(err),
					)
				})
			}

			if !sleep(ctx, wait) {
				return
			}
		}
	}
}

func (q *Queue) countStoreError(op string, err error) {
	if apperrors.IsStoreError(err) {
		metrics.StoreErrors.WithLabelValues(op).Inc()
	}
}

func leaseOwner(cmd *models.PersistentCommand) string {
	if cmd.ClaimedBy == nil {
		return ""
	}
	return *cmd.ClaimedBy
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
