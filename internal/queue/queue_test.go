package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Mailer/internal/apperrors"
	"Mailer/internal/db"
	"Mailer/internal/models"
)

func newTestQueue(t *testing.T, maxAttempts int) (*Queue, db.Store) {
	t.Helper()
	store, err := db.NewBoltStore(filepath.Join(t.TempDir(), "queue.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(store, Options{LeaseTTL: time.Minute, MaxAttempts: maxAttempts}, zap.NewNop()), store
}

func welcome(id string) models.MessageRequest {
	return models.MessageRequest{
		ID:           id,
		TemplateName: "welcome",
		Ctx:          map[string]any{"name": "Alice"},
		Recipients:   []string{"a@example.com"},
	}
}

func TestEnqueueValidates(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	var verr *apperrors.ValidationError

	_, err := q.Enqueue(ctx, models.MessageRequest{TemplateName: "welcome"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "recipients", verr.Field)

	_, err = q.Enqueue(ctx, models.MessageRequest{TemplateName: "welcome", Recipients: []string{"  "}})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "recipients", verr.Field)

	_, err = q.Enqueue(ctx, models.MessageRequest{TemplateName: " ", Recipients: []string{"a@example.com"}})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "template_name", verr.Field)
}

func TestEnqueueFillsDefaults(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, models.MessageRequest{
		TemplateName: "welcome",
		Recipients:   []string{"a@example.com"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, cmd.State)
	assert.Equal(t, models.DefaultTrigger, cmd.Trigger)
	assert.Equal(t, 0, cmd.Attempts)
	assert.NotNil(t, cmd.Ctx)
}

func TestEnqueueClaimOnce(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, welcome("m1"))
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	cmd, err := q.ClaimNext(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "m1", cmd.ID)

	_, err = q.ClaimNext(ctx, "worker-b")
	assert.ErrorIs(t, err, apperrors.ErrNoCommand)

	require.NoError(t, q.Ack(ctx, cmd))

	got, err := q.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, got.State)
}

func TestNackRetryableRequeuesUntilCeiling(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, welcome("m1"))
	require.NoError(t, err)

	cause := &apperrors.TransportError{Err: errors.New("connection refused")}

	cmd, err := q.ClaimNext(ctx, "w")
	require.NoError(t, err)
	state, err := q.Nack(ctx, cmd, cause, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, state)

	cmd, err = q.ClaimNext(ctx, "w")
	require.NoError(t, err)
	state, err = q.Nack(ctx, cmd, cause, true)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, state)

	got, err := q.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "TransportError")
}

func TestNackPermanentFailsImmediately(t *testing.T) {
	q, _ := newTestQueue(t, 5)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, welcome("m1"))
	require.NoError(t, err)

	cmd, err := q.ClaimNext(ctx, "w")
	require.NoError(t, err)

	state, err := q.Nack(ctx, cmd, &apperrors.TemplateNotFoundError{Name: "welcome"}, false)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, state)

	got, err := q.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func TestCommandsYieldsInOrderAndStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(context.Background(), welcome(id))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for cmd := range q.Commands(ctx, "w", 10*time.Millisecond) {
			got = append(got, cmd.ID)
			if len(got) == 3 {
				// Keep polling the now empty queue until cancelled.
				go func() {
					time.Sleep(50 * time.Millisecond)
					cancel()
				}()
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command sequence did not stop after cancel")
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestCommandsStopsWhenConsumerBreaks(t *testing.T) {
	q, store := newTestQueue(t, 3)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, welcome(id))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	for cmd := range q.Commands(ctx, "w", 10*time.Millisecond) {
		assert.Equal(t, "a", cmd.ID)
		break
	}

	// The second command was never claimed.
	cmd, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, cmd.State)
}

// flakyStore fails the first n claims with a store error.
type flakyStore struct {
	db.Store
	failures atomic.Int32
}

func (f *flakyStore) ClaimNext(ctx context.Context, owner string, ttl time.Duration) (*models.PersistentCommand, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, apperrors.NewStoreError("claim", errors.New("connection reset"))
	}
	return f.Store.ClaimNext(ctx, owner, ttl)
}

func TestCommandsSurvivesStoreErrors(t *testing.T) {
	_, store := newTestQueue(t, 3)
	flaky := &flakyStore{Store: store}
	flaky.failures.Store(2)

	q := New(flaky, Options{LeaseTTL: time.Minute, MaxAttempts: 3}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := q.Enqueue(ctx, welcome("m1"))
	require.NoError(t, err)

	for cmd := range q.Commands(ctx, "w", 10*time.Millisecond) {
		assert.Equal(t, "m1", cmd.ID)
		break
	}
	require.NoError(t, ctx.Err(), "command should be delivered before the deadline")
	assert.LessOrEqual(t, flaky.failures.Load(), int32(-1))
}

func TestReleaseKeepsAttemptBudget(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, welcome("m1"))
	require.NoError(t, err)

	cmd, err := q.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, cmd))

	cmd, err = q.ClaimNext(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 1, cmd.Attempts)

	state, err := q.Nack(ctx, cmd, &apperrors.TransportError{Err: errors.New("refused")}, true)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, state)
}
