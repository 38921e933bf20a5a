package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTempDB(t *testing.T, name string, profile DatabaseProfile) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBuildConnectionString_Profiles(t *testing.T) {
	cache := buildConnectionString("/tmp/x.db", ProfileCache)
	assert.Contains(t, cache, "synchronous(OFF)")
	assert.Contains(t, cache, "journal_mode(WAL)")

	ledger := buildConnectionString("/tmp/x.db", ProfileLedger)
	assert.Contains(t, ledger, "synchronous(FULL)")

	standard := buildConnectionString("/tmp/x.db", ProfileStandard)
	assert.Contains(t, standard, "synchronous(NORMAL)")
	assert.Contains(t, standard, "foreign_keys(1)")
}

func TestNew_DefaultsToStandardProfile(t *testing.T) {
	db := newTempDB(t, "misc", "")
	assert.Equal(t, ProfileStandard, db.Profile())
	assert.Equal(t, "misc", db.Name())
	assert.True(t, filepath.IsAbs(db.Path()))
	require.NoError(t, db.QuickCheck(context.Background()))
}

func TestMigrate_CreatesSnapshotTable(t *testing.T) {
	db := newTempDB(t, "calculations", ProfileCache)
	require.NoError(t, db.Migrate())
	// Applying twice must be harmless
	require.NoError(t, db.Migrate())

	var name string
	err := db.Conn().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='risk_snapshots'").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "risk_snapshots", name)
	require.NoError(t, db.HealthCheck(context.Background()))
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db := newTempDB(t, "scratch", ProfileStandard)
	assert.NoError(t, db.Migrate())
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := newTempDB(t, "calculations", ProfileCache)
	require.NoError(t, db.Migrate())

	boom := errors.New("boom")
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, execErr := tx.Exec(`INSERT INTO risk_snapshots (cache_key, run_id, model_kind, payload, created_at, expires_at)
			VALUES ('k', 'r', 'factor', x'00', 1, 2)`)
		require.NoError(t, execErr)
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM risk_snapshots").Scan(&count))
	assert.Equal(t, 0, count, "failed transaction must not leave rows behind")
}

func TestWithTransaction_NilDB(t *testing.T) {
	err := WithTransaction(nil, func(tx *sql.Tx) error { return nil })
	assert.Error(t, err)
}
