package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"Mailer/internal/apperrors"
	"Mailer/internal/config"
	"Mailer/internal/models"
)

//go:embed schema.sql
var schema string

const commandColumns = `id, state, template_name, "trigger", ctx, recipients, attempts,
	claimed_by, claimed_at, last_error, created_at, updated_at`

// PostgresStore keeps commands in the mail_command table.
type PostgresStore struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, &apperrors.ConfigError{Field: "database.connection_string", Reason: err.Error()}
	}
	if timeout := cfg.ConnectTimeout(); timeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = timeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, apperrors.NewStoreError("connect", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.NewStoreError("ping", err)
	}

	return &PostgresStore{Pool: pool, log: logger}, nil
}

func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

// Migrate creates the command table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return apperrors.NewStoreError("migrate", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, cmd *models.PersistentCommand) (string, error) {

	ctxJSON, err := json.Marshal(cmd.Ctx)
	if err != nil {
		return "", &apperrors.ValidationError{Field: "ctx", Reason: err.Error()}
	}

	err = s.Pool.QueryRow(ctx,
		`INSERT INTO mail_command
		 (id, state, template_name, "trigger", ctx, recipients, attempts, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,0,NOW(),NOW())
		 RETURNING created_at, updated_at`,
		cmd.ID,
		models.StatePending,
		cmd.TemplateName,
		cmd.Trigger,
		ctxJSON,
		cmd.Recipients,
	).Scan(&cmd.CreatedAt, &cmd.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", &apperrors.ValidationError{Field: "id", Reason: fmt.Sprintf("command %q already exists", cmd.ID)}
		}
		return "", apperrors.NewStoreError("insert", err)
	}

	cmd.State = models.StatePending
	cmd.Attempts = 0
	return cmd.ID, nil
}

// ClaimNext takes the oldest pending row, or a claimed row whose lease has
// expired, in one conditional update. SKIP LOCKED keeps concurrent claimers
// off each other's rows.
func (s *PostgresStore) ClaimNext(
	ctx context.Context,
	owner string,
	leaseTTL time.Duration,
) (*models.PersistentCommand, error) {

	row := s.Pool.QueryRow(ctx,
		`UPDATE mail_command
		 SET state = 'claimed',
		     claimed_by = $1,
		     claimed_at = NOW(),
		     attempts = attempts + 1,
		     updated_at = NOW()
		 WHERE id = (
		     SELECT id FROM mail_command
		     WHERE state = 'pending'
		        OR (state = 'claimed' AND claimed_at < NOW() - make_interval(secs => $2))
		     ORDER BY created_at, id
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+commandColumns,
		owner,
		leaseTTL.Seconds(),
	)

	cmd, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNoCommand
	}
	if err != nil {
		return nil, apperrors.NewStoreError("claim", err)
	}

	return cmd, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, id, owner string) error {

	tag, err := s.Pool.Exec(ctx,
		`UPDATE mail_command
		 SET claimed_at = NOW(),
		     updated_at = NOW()
		 WHERE id = $1 AND state = 'claimed' AND claimed_by = $2`,
		id,
		owner,
	)
	if err != nil {
		return apperrors.NewStoreError("renew", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrLeaseLost
	}

	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, id, owner string) error {

	tag, err := s.Pool.Exec(ctx,
		`UPDATE mail_command
		 SET state = 'done',
		     claimed_by = NULL,
		     claimed_at = NULL,
		     last_error = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND state = 'claimed' AND claimed_by = $2`,
		id,
		owner,
	)
	if err != nil {
		return apperrors.NewStoreError("complete", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrLeaseLost
	}

	return nil
}

func (s *PostgresStore) Release(ctx context.Context, id, owner string) error {

	tag, err := s.Pool.Exec(ctx,
		`UPDATE mail_command
		 SET state = 'pending',
		     attempts = GREATEST(attempts - 1, 0),
		     claimed_by = NULL,
		     claimed_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND state = 'claimed' AND claimed_by = $2`,
		id,
		owner,
	)
	if err != nil {
		return apperrors.NewStoreError("release", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrLeaseLost
	}

	return nil
}

func (s *PostgresStore) Fail(
	ctx context.Context,
	id, owner, errMsg string,
	maxAttempts int,
) (models.CommandState, error) {

	var state models.CommandState

	err := s.Pool.QueryRow(ctx,
		`UPDATE mail_command
		 SET state = CASE WHEN attempts < $4 THEN 'pending' ELSE 'failed' END,
		     last_error = $3,
		     claimed_by = NULL,
		     claimed_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND state = 'claimed' AND claimed_by = $2
		 RETURNING state`,
		id,
		owner,
		errMsg,
		maxAttempts,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.ErrLeaseLost
	}
	if err != nil {
		return "", apperrors.NewStoreError("fail", err)
	}

	return state, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.PersistentCommand, error) {

	row := s.Pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM mail_command WHERE id = $1`,
		id,
	)

	cmd, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.NewStoreError("get", err)
	}

	return cmd, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*models.QueueStats, error) {

	rows, err := s.Pool.Query(ctx, `SELECT state, count(*) FROM mail_command GROUP BY state`)
	if err != nil {
		return nil, apperrors.NewStoreError("stats", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var (
			state models.CommandState
			count int64
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, apperrors.NewStoreError("stats", err)
		}
		stats.Add(state, count)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreError("stats", err)
	}

	return stats, nil
}

func scanCommand(row pgx.Row) (*models.PersistentCommand, error) {
	var (
		cmd     models.PersistentCommand
		ctxJSON []byte
	)

	err := row.Scan(
		&cmd.ID,
		&cmd.State,
		&cmd.TemplateName,
		&cmd.Trigger,
		&ctxJSON,
		&cmd.Recipients,
		&cmd.Attempts,
		&cmd.ClaimedBy,
		&cmd.ClaimedAt,
		&cmd.LastError,
		&cmd.CreatedAt,
		&cmd.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &cmd.Ctx); err != nil {
			return nil, fmt.Errorf("decode ctx of %s: %w", cmd.ID, err)
		}
	}

	return &cmd, nil
}
