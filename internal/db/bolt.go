package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"Mailer/internal/apperrors"
	"Mailer/internal/metrics"
	"Mailer/internal/models"
)

var (
	bucketCommands = []byte("commands")
	// bucketOpen indexes pending and claimed commands by (created_at, id).
	bucketOpen = []byte("open")
)

// BoltStore is the embedded single-node command store. Every write runs in a
// bolt read-write transaction, and bolt allows only one of those at a time,
// which makes each claim atomic.
type BoltStore struct {
	db  *bolt.DB
	log *zap.Logger
	now func() time.Time
}

func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, apperrors.NewStoreError("open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCommands, bucketOpen} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperrors.NewStoreError("open", err)
	}

	return &BoltStore{db: db, log: logger, now: time.Now}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Insert(ctx context.Context, cmd *models.PersistentCommand) (string, error) {
	now := s.now().UTC()

	stored := *cmd
	stored.State = models.StatePending
	stored.Attempts = 0
	stored.ClaimedBy = nil
	stored.ClaimedAt = nil
	stored.LastError = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now

	var dup bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		if commands.Get([]byte(stored.ID)) != nil {
			dup = true
			return nil
		}
		if err := putCommand(commands, &stored); err != nil {
			return err
		}
		return tx.Bucket(bucketOpen).Put(indexKey(stored.CreatedAt, stored.ID), []byte(stored.ID))
	})
	if err != nil {
		return "", apperrors.NewStoreError("insert", err)
	}
	if dup {
		return "", &apperrors.ValidationError{Field: "id", Reason: fmt.Sprintf("command %q already exists", stored.ID)}
	}

	*cmd = stored
	return stored.ID, nil
}

func (s *BoltStore) ClaimNext(
	ctx context.Context,
	owner string,
	leaseTTL time.Duration,
) (*models.PersistentCommand, error) {

	var claimed *models.PersistentCommand

	err := s.db.Update(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		c := tx.Bucket(bucketOpen).Cursor()
		now := s.now().UTC()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			cmd, err := getCommand(commands, v)
			if err != nil {
				return err
			}
			if cmd == nil {
				// Dangling index entry.
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}

			if cmd.State != models.StatePending && !cmd.LeaseExpired(now, leaseTTL) {
				continue
			}

			cmd.State = models.StateClaimed
			cmd.ClaimedBy = &owner
			cmd.ClaimedAt = &now
			cmd.Attempts++
			cmd.UpdatedAt = now

			if err := putCommand(commands, cmd); err != nil {
				return err
			}

			claimed = cmd
			return nil
		}

		return nil
	})
	if err != nil {
		return nil, apperrors.NewStoreError("claim", err)
	}
	if claimed == nil {
		return nil, apperrors.ErrNoCommand
	}

	return claimed, nil
}

func (s *BoltStore) RenewLease(ctx context.Context, id, owner string) error {
	return s.updateClaimed("renew", id, owner, func(cmd *models.PersistentCommand, now time.Time) {
		cmd.ClaimedAt = &now
	})
}

func (s *BoltStore) Complete(ctx context.Context, id, owner string) error {
	return s.updateClaimed("complete", id, owner, func(cmd *models.PersistentCommand, now time.Time) {
		cmd.State = models.StateDone
		cmd.ClaimedBy = nil
		cmd.ClaimedAt = nil
		cmd.LastError = nil
	})
}

func (s *BoltStore) Release(ctx context.Context, id, owner string) error {
	return s.updateClaimed("release", id, owner, func(cmd *models.PersistentCommand, now time.Time) {
		cmd.State = models.StatePending
		cmd.Attempts = max(cmd.Attempts-1, 0)
		cmd.ClaimedBy = nil
		cmd.ClaimedAt = nil
	})
}

func (s *BoltStore) Fail(
	ctx context.Context,
	id, owner, errMsg string,
	maxAttempts int,
) (models.CommandState, error) {

	var state models.CommandState

	err := s.updateClaimed("fail", id, owner, func(cmd *models.PersistentCommand, now time.Time) {
		if cmd.Attempts < maxAttempts {
			cmd.State = models.StatePending
		} else {
			cmd.State = models.StateFailed
		}
		cmd.LastError = &errMsg
		cmd.ClaimedBy = nil
		cmd.ClaimedAt = nil
		state = cmd.State
	})
	if err != nil {
		return "", err
	}

	return state, nil
}

// updateClaimed applies fn to a command the owner still holds and keeps the
// open index in step with the resulting state.
func (s *BoltStore) updateClaimed(
	op, id, owner string,
	fn func(cmd *models.PersistentCommand, now time.Time),
) error {

	var lost bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)

		cmd, err := getCommand(commands, []byte(id))
		if err != nil {
			return err
		}
		if cmd == nil || cmd.State != models.StateClaimed || cmd.ClaimedBy == nil || *cmd.ClaimedBy != owner {
			lost = true
			return nil
		}

		now := s.now().UTC()
		fn(cmd, now)
		cmd.UpdatedAt = now

		if err := putCommand(commands, cmd); err != nil {
			return err
		}

		if cmd.Terminal() {
			return tx.Bucket(bucketOpen).Delete(indexKey(cmd.CreatedAt, cmd.ID))
		}
		return nil
	})
	if err != nil {
		return apperrors.NewStoreError(op, err)
	}
	if lost {
		return apperrors.ErrLeaseLost
	}

	return nil
}

func (s *BoltStore) Get(ctx context.Context, id string) (*models.PersistentCommand, error) {
	var cmd *models.PersistentCommand

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		cmd, err = getCommand(tx.Bucket(bucketCommands), []byte(id))
		return err
	})
	if err != nil {
		return nil, apperrors.NewStoreError("get", err)
	}
	if cmd == nil {
		return nil, apperrors.ErrNotFound
	}

	return cmd, nil
}

// Stats counts every decodable command. Rows that fail to decode are logged
// and left out so one corrupt row does not take the health check down.
func (s *BoltStore) Stats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{}
	var corrupt int

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommands).ForEach(func(k, v []byte) error {
			var cmd models.PersistentCommand
			if err := json.Unmarshal(v, &cmd); err != nil {
				corrupt++
				s.log.Warn("skipping undecodable command in stats",
					zap.ByteString("command_id", k),
					zap.Error(err),
				)
				return nil
			}
			stats.Add(cmd.State, 1)
			return nil
		})
	})
	if err != nil {
		return nil, apperrors.NewStoreError("stats", err)
	}

	if corrupt > 0 {
		metrics.StoreErrors.WithLabelValues("decode").Add(float64(corrupt))
	}

	return stats, nil
}

func getCommand(b *bolt.Bucket, id []byte) (*models.PersistentCommand, error) {
	data := b.Get(id)
	if data == nil {
		return nil, nil
	}

	var cmd models.PersistentCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to decode command %s: %w", id, err)
	}
	return &cmd, nil
}

func putCommand(b *bolt.Bucket, cmd *models.PersistentCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command %s: %w", cmd.ID, err)
	}
	return b.Put([]byte(cmd.ID), data)
}

// indexKey sorts by creation time first, then id.
func indexKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	copy(key[8:], id)
	return key
}
