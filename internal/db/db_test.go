package db

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Mailer/internal/config"
)

// TestPostgresStoreContract runs against a real database when
// MAILER_TEST_DATABASE_URL is set.
func TestPostgresStoreContract(t *testing.T) {
	url := os.Getenv("MAILER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MAILER_TEST_DATABASE_URL not set")
	}

	storeContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := New(ctx, config.DatabaseConfig{
			Driver:            config.DriverPostgres,
			ConnectionString:  url,
			ConnectionTimeout: 5000,
		}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })

		require.NoError(t, s.Migrate(ctx))
		_, err = s.Pool.Exec(ctx, `TRUNCATE mail_command`)
		require.NoError(t, err)
		return s
	})
}

func TestNewRejectsBadConnectionString(t *testing.T) {
	_, err := New(context.Background(), config.DatabaseConfig{
		ConnectionString: "postgres://%zz",
	}, zap.NewNop())
	require.Error(t, err)
}
