package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"Mailer/internal/apperrors"
	"Mailer/internal/metrics"
	"Mailer/internal/models"
	"Mailer/internal/outcome"
	"Mailer/internal/queue"
	"Mailer/internal/ratelimit"
	"Mailer/internal/templates"
)

type Sender interface {
	Send(ctx context.Context, msg *models.MailMessage) error
}

type Renderer interface {
	Render(d *models.TemplateDescriptor, req models.MessageRequest) (*models.MailMessage, error)
}

// Deps are shared by every worker of a pool.
type Deps struct {
	Queue    *queue.Queue
	Resolver templates.Resolver
	Renderer Renderer
	Limiter  *ratelimit.Limiter
	Sender   Sender
	Recorder outcome.Recorder
	Log      *zap.Logger
}

type Options struct {
	// Mode is passed to the template resolver.
	Mode         string
	PollInterval time.Duration
}

// Worker processes claimed commands one at a time:
// render, wait for the rate limiter, send, then settle the command.
type Worker struct {
	owner string
	deps  Deps
	opts  Options
	log   *zap.Logger
}

func New(owner string, deps Deps, opts Options) *Worker {
	return &Worker{
		owner: owner,
		deps:  deps,
		opts:  opts,
		log:   deps.Log.With(zap.String("worker", owner)),
	}
}

func (w *Worker) Owner() string { return w.owner }

// Run claims and processes commands until ctx is cancelled. A command that
// is already claimed is always settled before Run returns.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started")

	for cmd := range w.deps.Queue.Commands(ctx, w.owner, w.opts.PollInterval) {
		w.Process(ctx, cmd)
	}

	w.log.Info("worker shutting down")
}

// Process takes one claimed command to a settled state and reports the
// outcome. Store and SMTP calls are not interrupted by ctx cancellation.
func (w *Worker) Process(ctx context.Context, cmd *models.PersistentCommand) outcome.Outcome {
	work := context.WithoutCancel(ctx)
	log := w.log.With(
		zap.String("command_id", cmd.ID),
		zap.String("template", cmd.TemplateName),
		zap.Int("attempt", cmd.Attempts),
	)

	log.Debug("command claimed")

	// ----------------------------
	// Rendering
	// ----------------------------
	msg, err := w.render(work, cmd)
	if err != nil {
		return w.fail(work, log, cmd, err)
	}

	// ----------------------------
	// Rate limit
	// ----------------------------
	if err := w.deps.Limiter.Acquire(ctx); err != nil {
		log.Info("rate limiter wait interrupted, releasing command", zap.Error(err))
		return w.release(work, log, cmd, err)
	}

	// The limiter may have held us past the lease; make sure the row is
	// still ours before anything goes on the wire.
	if err := w.deps.Queue.Renew(work, cmd); err != nil {
		if errors.Is(err, apperrors.ErrLeaseLost) {
			log.Warn("lease lost before send, leaving command to its new owner")
			return w.record(work, cmd, outcome.Skipped, err)
		}
		log.Error("failed to renew lease", zap.Error(err))
		return w.fail(work, log, cmd, err)
	}

	// ----------------------------
	// Sending
	// ----------------------------
	if err := w.deps.Sender.Send(work, msg); err != nil {
		metrics.EmailFailures.Inc()
		log.Error("email send failed", zap.Strings("to", msg.Recipients), zap.Error(err))
		return w.fail(work, log, cmd, err)
	}

	metrics.EmailsSent.Inc()

	if err := w.deps.Queue.Ack(work, cmd); err != nil {
		// Delivered, but the row is not marked done. It becomes claimable
		// again once the lease expires.
		log.Error("failed to mark command done", zap.Error(err))
	} else {
		log.Info("email sent successfully", zap.Strings("to", msg.Recipients))
	}

	return w.record(work, cmd, outcome.Done, nil)
}

func (w *Worker) render(ctx context.Context, cmd *models.PersistentCommand) (*models.MailMessage, error) {
	req := cmd.Request()

	d, err := w.deps.Resolver.Resolve(ctx, req.TemplateName, w.opts.Mode)
	if err != nil {
		return nil, err
	}

	return w.deps.Renderer.Render(d, req)
}

// release returns a command that was never sent to the queue. The claim's
// attempt is not counted.
func (w *Worker) release(ctx context.Context, log *zap.Logger, cmd *models.PersistentCommand, cause error) outcome.Outcome {
	if err := w.deps.Queue.Release(ctx, cmd); err != nil {
		if errors.Is(err, apperrors.ErrLeaseLost) {
			return w.record(ctx, cmd, outcome.Skipped, err)
		}
		// The lease will expire and the command will be claimed again.
		log.Error("failed to release command", zap.Error(err))
	}
	return w.record(ctx, cmd, outcome.Released, cause)
}

// fail nacks the command. Permanent errors fail it at once; anything else
// is requeued until the attempt ceiling.
func (w *Worker) fail(ctx context.Context, log *zap.Logger, cmd *models.PersistentCommand, cause error) outcome.Outcome {
	retryable := apperrors.IsRetryable(cause)

	state, err := w.deps.Queue.Nack(ctx, cmd, cause, retryable)
	if err != nil {
		log.Error("failed to record command failure",
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		// The lease will expire and the command will be claimed again.
		return w.record(ctx, cmd, outcome.Retry, cause)
	}

	if state == models.StatePending {
		log.Warn("command requeued", zap.Error(cause))
		return w.record(ctx, cmd, outcome.Retry, cause)
	}

	log.Error("command failed", zap.Bool("permanent", !retryable), zap.Error(cause))
	return w.record(ctx, cmd, outcome.Failed, cause)
}

func (w *Worker) record(ctx context.Context, cmd *models.PersistentCommand, o outcome.Outcome, err error) outcome.Outcome {
	if w.deps.Recorder == nil {
		return o
	}
	if rerr := w.deps.Recorder.Record(ctx, outcome.NewEvent(cmd, o, err)); rerr != nil {
		w.log.Warn("failed to record outcome",
			zap.String("command_id", cmd.ID),
			zap.Error(rerr),
		)
	}
	return o
}

// StartPool runs n workers named <owner>-<i>. Each worker calls wg.Done when
// it stops.
func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	n int,
	owner string,
	deps Deps,
	opts Options,
) []*Worker {

	if owner == "" {
		owner = DefaultOwner()
	}

	workers := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		w := New(fmt.Sprintf("%s-%d", owner, i), deps, opts)
		workers = append(workers, w)

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	return workers
}

// DefaultOwner is unique per process so restarted workers never reuse the
// lease identity of a previous run.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "mailer"
	}
	return host + "-" + uuid.NewString()[:8]
}
