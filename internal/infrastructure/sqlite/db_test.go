package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "Failed to create test database")
	t.Cleanup(func() { db.Close() })
	return db
}

// TestNewDB_CreatesDirectory verifies that NewDB creates the parent directory if missing.
func TestNewDB_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err, "NewDB should succeed even with nested non-existent directories")
	defer db.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err, "Directory should exist after NewDB")
	require.True(t, info.IsDir(), "Should be a directory")

	// Windows doesn't support Unix permissions
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0700), info.Mode().Perm(), "Directory should have 0700 permissions")
	}
}

// TestNewDB_RunsMigrations verifies that the settings table exists after open.
func TestNewDB_RunsMigrations(t *testing.T) {
	db := setupTestDB(t)

	var tableName string
	err := db.conn.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='settings'",
	).Scan(&tableName)
	require.NoError(t, err, "settings table should exist after migrations")
	require.Equal(t, "settings", tableName)

	var applied int
	require.NoError(t, db.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	require.Equal(t, 1, applied)
}

// TestNewDB_ReopenIsIdempotent verifies that migrations are not re-applied
// and that an existing database is backed up.
func TestNewDB_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := NewDB(dbPath)
	require.NoError(t, err)
	require.NoError(t, db1.SettingsStore("user").WriteOne(context.Background(), "log.level", "debug"))
	require.NoError(t, db1.Close())

	db2, err := NewDB(dbPath)
	require.NoError(t, err, "Second NewDB should succeed")
	defer db2.Close()

	var applied int
	require.NoError(t, db2.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	require.Equal(t, 1, applied)

	got, err := db2.SettingsStore("user").ReadAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]any{"log.level": "debug"}, got)

	info, err := os.Stat(dbPath + ".bak")
	require.NoError(t, err, "Backup file should exist after second NewDB")
	require.Greater(t, info.Size(), int64(0))
}

// TestNewDB_Pragmas verifies the connection settings.
func TestNewDB_Pragmas(t *testing.T) {
	db := setupTestDB(t)

	var journalMode string
	require.NoError(t, db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.conn.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.Equal(t, 5000, busyTimeout)
}

// TestDB_Close verifies that connection closes cleanly.
func TestDB_Close(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	require.NoError(t, db.Dispose(context.Background()))
	require.Error(t, db.conn.Ping(), "Ping should fail after Close")
}

func TestDB_Connection(t *testing.T) {
	db := setupTestDB(t)

	conn := db.Connection()
	require.IsType(t, (*sql.DB)(nil), conn)
	require.NoError(t, conn.Ping())
	require.NotEmpty(t, db.Path())
}

func TestSettingsStore_RoundTrip(t *testing.T) {
	store := setupTestDB(t).SettingsStore("workspace")
	ctx := context.Background()

	require.NoError(t, store.WriteOne(ctx, "cache.max_size", 250))
	require.NoError(t, store.WriteOne(ctx, "events.retain_critical", true))
	require.NoError(t, store.WriteOne(ctx, "cache.max_size", 300))

	got, err := store.ReadAll(ctx)
	require.NoError(t, err)
	// JSON numbers decode as float64; the config manager coerces them back.
	require.Equal(t, map[string]any{"cache.max_size": 300.0, "events.retain_critical": true}, got)

	require.NoError(t, store.WriteOne(ctx, "cache.max_size", nil))
	got, err = store.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"events.retain_critical": true}, got)
}

// TestSettingsStore_ScopeIsolation is a property-based test using rapid.
// It verifies that one scope never sees another scope's keys.
func TestSettingsStore_ScopeIsolation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rapid.Check(t, func(r *rapid.T) {
		_, err := db.conn.Exec("DELETE FROM settings")
		if err != nil {
			r.Fatalf("reset: %v", err)
		}

		numScopes := rapid.IntRange(2, 4).Draw(r, "numScopes")
		want := make(map[string]map[string]any)
		for i := 0; i < numScopes; i++ {
			scope := rapid.StringMatching(`scope-[a-z]{3,6}`).Draw(r, "scope")
			if _, dup := want[scope]; !dup {
				want[scope] = make(map[string]any)
			}
			n := rapid.IntRange(0, 6).Draw(r, "numKeys")
			for j := 0; j < n; j++ {
				key := rapid.StringMatching(`[a-z]{1,5}\.[a-z]{1,5}`).Draw(r, "key")
				val := rapid.StringMatching(`[a-z0-9]{0,8}`).Draw(r, "value")
				if err := db.SettingsStore(scope).WriteOne(ctx, key, val); err != nil {
					r.Fatalf("write: %v", err)
				}
				want[scope][key] = val
			}
		}

		for scope, expected := range want {
			got, err := db.SettingsStore(scope).ReadAll(ctx)
			if err != nil {
				r.Fatalf("read: %v", err)
			}
			if len(got) != len(expected) {
				r.Fatalf("scope %s: got %d keys, want %d", scope, len(got), len(expected))
			}
			for k, v := range expected {
				if got[k] != v {
					r.Fatalf("scope %s key %s: got %v, want %v", scope, k, got[k], v)
				}
			}
		}
	})
}
