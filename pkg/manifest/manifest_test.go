package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubeflow/datasync/pkg/datasync"
	"github.com/kubeflow/datasync/pkg/jobs"
)

const sample = `
jobs:
  - name: orders
    description: pull orders every five minutes
    enabled: true
    address: 10.0.0.1
    cron: "0 */5 * * * ?"
    target: sync:1
  - name: backfill
    enabled: true
    address: 10.0.0.1
    cron: "@every 1m"
    target: backfill
syncSpecs:
  - id: 1
    sourceType: httpjson
    tenantCodes: t1,t2
    tenantName: Acme
    originTime: 2024-01-01T00:00:00Z
    windowSeconds: 300
    sourceConfig:
      host: https://feed.example.com
      countPath: /orders/count
      dataPath: /orders
      snJsonPath: orderNo
      parameters: [open, closed]
  - id: 2
    sourceType: httpjson
    tenantCodes: t3
    originTime: 2024-06-01T00:00:00+08:00
    delaySeconds: 0
    enabled: false
    fired: false
`

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, jobs.NewJobSpecStore(db).AutoMigrate())
	require.NoError(t, datasync.NewSpecStore(db).AutoMigrate())
	return db
}

func TestParse(t *testing.T) {
	m, rev, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	assert.Len(t, rev, 64)
	require.Len(t, m.Jobs, 2)
	assert.Equal(t, "0 */5 * * * ?", m.Jobs[0].Cron)
	require.Len(t, m.SyncSpecs, 2)

	first, err := m.SyncSpecs[0].SyncSpec()
	require.NoError(t, err)
	assert.True(t, first.Enabled)
	assert.True(t, first.Fired)
	assert.Equal(t, 300, first.WindowSeconds)
	assert.Equal(t, 60, first.DelaySeconds)
	assert.Equal(t, 1, first.StartPage)
	assert.JSONEq(t, `{"host":"https://feed.example.com","countPath":"/orders/count","dataPath":"/orders","snJsonPath":"orderNo","parameters":["open","closed"]}`, string(first.SourceConfig))

	second, err := m.SyncSpecs[1].SyncSpec()
	require.NoError(t, err)
	assert.False(t, second.Enabled)
	assert.False(t, second.Fired)
	assert.Zero(t, second.DelaySeconds)
	assert.True(t, second.OriginTime.Equal(time.Date(2024, 5, 31, 16, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.UTC, second.OriginTime.Location())
	assert.Nil(t, second.SourceConfig)
}

func TestParseEmpty(t *testing.T) {
	m, _, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, m.Jobs)
	assert.Empty(t, m.SyncSpecs)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []string
	}{
		{
			name: "unknown field",
			doc:  "jobs:\n  - name: a\n    schedule: x\n",
			want: []string{"parse manifest"},
		},
		{
			name: "job problems reported together",
			doc:  "jobs:\n  - name: a\n    cron: nope\n    target: backfill\n  - name: a\n    cron: '@every 1m'\n",
			want: []string{"jobs[0]", "duplicate job name", "target is required"},
		},
		{
			name: "sync spec problems",
			doc:  "syncSpecs:\n  - id: 0\n    sourceType: ''\n    tenantCodes: ' '\n",
			want: []string{"id is required", "sourceType is required", "tenantCodes is required", "originTime is required"},
		},
		{
			name: "duplicate sync id",
			doc:  "syncSpecs:\n  - {id: 1, sourceType: x, tenantCodes: t, originTime: 2024-01-01T00:00:00Z}\n  - {id: 1, sourceType: x, tenantCodes: t, originTime: 2024-01-01T00:00:00Z}\n",
			want: []string{"duplicate id 1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			for _, w := range tt.want {
				assert.ErrorContains(t, err, w)
			}
		})
	}
}

func TestParseTooLarge(t *testing.T) {
	_, _, err := Parse(strings.NewReader(strings.Repeat("#", maxManifestSize+1)))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestLoadAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	m, _, err := Load(path)
	require.NoError(t, err)

	db := setupTestDB(t)
	jobStore := jobs.NewJobSpecStore(db)
	specStore := datasync.NewSpecStore(db)
	ctx := context.Background()

	res, err := Apply(ctx, m, jobStore, specStore)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Jobs)
	assert.Equal(t, 2, res.SyncSpecs)

	// Re-applying converges on the same rows.
	_, err = Apply(ctx, m, jobStore, specStore)
	require.NoError(t, err)

	all, err := jobStore.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	spec, err := specStore.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, spec)
	assert.Equal(t, []string{"t1", "t2"}, spec.TenantCodeList())
	assert.Equal(t, "Acme", spec.TenantName)
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "open manifest")
}

type failingSpecs struct{}

func (failingSpecs) Upsert(context.Context, *datasync.SyncSpec) error { return errors.New("db down") }

func TestApplyStopsOnFailure(t *testing.T) {
	m, _, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	db := setupTestDB(t)

	res, err := Apply(context.Background(), m, jobs.NewJobSpecStore(db), failingSpecs{})
	assert.ErrorContains(t, err, "db down")
	assert.Zero(t, res.SyncSpecs)
	assert.Zero(t, res.Jobs)
}

func TestApplyHandler(t *testing.T) {
	db := setupTestDB(t)
	h := ApplyHandler(jobs.NewJobSpecStore(db), datasync.NewSpecStore(db), nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(sample)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"jobs":2`)
	assert.Contains(t, w.Body.String(), `"revision"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("jobs: [{name: x}]")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
