package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/datasync/pkg/datasync"
	"github.com/kubeflow/datasync/pkg/ha"
	"github.com/kubeflow/datasync/pkg/jobs"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("DATABASE_DSN", "")
	cfg := ConfigFromEnv()
	assert.Equal(t, TypeMySQL, cfg.Type)
	assert.Equal(t, 20, cfg.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)

	t.Setenv("DATABASE_TYPE", "Postgres")
	t.Setenv("DATABASE_DSN", "host=db")
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "7")
	t.Setenv("DATABASE_MAX_IDLE_CONNS", "bad")
	cfg = ConfigFromEnv()
	assert.Equal(t, TypePostgres, cfg.Type)
	assert.Equal(t, "host=db", cfg.DSN)
	assert.Equal(t, 7, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
}

func TestDialector(t *testing.T) {
	tests := []struct {
		typ     string
		dsn     string
		name    string
		wantErr string
	}{
		{TypeMySQL, "u:p@tcp(db)/sync?parseTime=true", "mysql", ""},
		{TypePostgres, "host=db", "postgres", ""},
		{"postgresql", "host=db", "postgres", ""},
		{TypeSQLite, ":memory:", "sqlite", ""},
		{"oracle", "x", "", "unsupported database type"},
		{TypeMySQL, "", "", "DSN is required"},
	}
	for _, tt := range tests {
		t.Run(tt.typ+"/"+tt.name, func(t *testing.T) {
			d, err := Dialector(&Config{Type: tt.typ, DSN: tt.dsn})
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, d.Name())
		})
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	gdb, err := Open(&Config{Type: TypeSQLite, DSN: ":memory:"}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, gdb, ha.NewMigrationLocker(gdb, &ha.LockOptions{Holder: "test"})))
	// Idempotent.
	require.NoError(t, Migrate(ctx, gdb, nil))

	for _, m := range Models() {
		assert.True(t, gdb.Migrator().HasTable(m), "table for %T", m)
	}

	spec := jobs.JobSpec{Name: "orders", Enabled: true, Address: "n1", Cron: "@every 1m", Target: "sync:1"}
	require.NoError(t, jobs.NewJobSpecStore(gdb).Upsert(ctx, &spec))
	syncSpec := datasync.SyncSpec{ID: 1, SourceType: "httpjson", TenantCodes: "t1", WindowSeconds: 60}
	require.NoError(t, datasync.NewSpecStore(gdb).Upsert(ctx, &syncSpec))
}
