package outcome

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"Mailer/internal/config"
	"Mailer/internal/metrics"
	"Mailer/internal/models"
)

type Outcome string

const (
	// Done means the SMTP server accepted the message.
	Done Outcome = "done"
	// Retry means the command went back to pending for another attempt.
	Retry Outcome = "retry"
	// Failed is terminal.
	Failed Outcome = "failed"
	// Skipped means the worker lost the lease before sending.
	Skipped Outcome = "skipped"
	// Released means the worker stopped before sending and handed the
	// command back without counting the attempt.
	Released Outcome = "released"
)

// Event is what a worker reports after processing one command.
type Event struct {
	CommandID string    `json:"command_id"`
	Template  string    `json:"template"`
	Trigger   string    `json:"trigger"`
	Outcome   Outcome   `json:"outcome"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEvent(cmd *models.PersistentCommand, outcome Outcome, err error) Event {
	ev := Event{
		CommandID: cmd.ID,
		Template:  cmd.TemplateName,
		Trigger:   cmd.Trigger,
		Outcome:   outcome,
		Attempts:  cmd.Attempts,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Recorder is a sink for per-command outcomes. Recording is best effort and
// never changes the command's persisted state.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// New returns the log and metrics recorders, plus Kafka when brokers are
// configured.
func New(cfg config.OutcomeConfig, logger *zap.Logger) Recorder {
	m := Multi{NewLogRecorder(logger), MetricsRecorder{}}
	if len(cfg.KafkaBrokers) > 0 {
		m = append(m, NewKafkaRecorder(cfg, logger))
	}
	return m
}

// LogRecorder writes outcomes to the structured log.
type LogRecorder struct {
	log *zap.Logger
}

func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{log: logger.Named("outcome")}
}

func (r *LogRecorder) Record(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("command_id", ev.CommandID),
		zap.String("template", ev.Template),
		zap.String("outcome", string(ev.Outcome)),
		zap.Int("attempts", ev.Attempts),
	}

	switch ev.Outcome {
	case Done:
		r.log.Info("command delivered", fields...)
	case Failed:
		r.log.Error("command failed", append(fields, zap.String("error", ev.Error))...)
	default:
		r.log.Warn("command not delivered", append(fields, zap.String("error", ev.Error))...)
	}
	return nil
}

func (r *LogRecorder) Close() error { return nil }

// MetricsRecorder counts outcomes.
type MetricsRecorder struct{}

func (MetricsRecorder) Record(_ context.Context, ev Event) error {
	metrics.CommandOutcomes.WithLabelValues(string(ev.Outcome)).Inc()
	return nil
}

func (MetricsRecorder) Close() error { return nil }

// Multi fans an event out to every recorder. A failing recorder does not
// stop the others.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
