package reliability

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableyield/indexd/internal/database"
	"github.com/stableyield/indexd/internal/events"
)

func openSeriesDB(t *testing.T, dataDir string) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, "index.db"),
		Profile: database.ProfileSeries,
		Name:    "index",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	return db
}

func markerValues(t *testing.T, db *database.DB) []string {
	t.Helper()
	rows, err := db.Query("SELECT v FROM restore_marker ORDER BY v")
	require.NoError(t, err)
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		require.NoError(t, rows.Scan(&v))
		values = append(values, v)
	}
	require.NoError(t, rows.Err())
	return values
}

func TestBackupService_RestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	db := openSeriesDB(t, dataDir)
	_, err := db.Exec("CREATE TABLE restore_marker (v TEXT NOT NULL)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO restore_marker (v) VALUES ('alpha')")
	require.NoError(t, err)

	bus := events.NewBus(zerolog.Nop())
	var completed []*events.BackupCompletedData
	bus.Subscribe(events.BackupCompleted, func(e *events.Event) {
		completed = append(completed, e.Data.(*events.BackupCompletedData))
	})

	svc := NewBackupService([]*database.DB{db}, nil, dataDir, 5, bus, zerolog.Nop())

	archivePath, err := svc.Backup(ctx)
	require.NoError(t, err)
	require.FileExists(t, archivePath)

	require.Len(t, completed, 1)
	assert.False(t, completed[0].Uploaded)
	assert.Positive(t, completed[0].SizeBytes)
	assert.Equal(t, filepath.Base(archivePath), completed[0].Archive)

	backups, err := svc.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, filepath.Base(archivePath), backups[0].Name)

	// Diverge the live database after the snapshot.
	_, err = db.Exec("INSERT INTO restore_marker (v) VALUES ('beta')")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, markerValues(t, db))

	require.NoError(t, svc.StageRestore(ctx, backups[0].Name))
	require.NoError(t, db.Close())

	applied, err := ApplyPendingRestore(dataDir, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, applied)
	assert.FileExists(t, filepath.Join(dataDir, "index.db.pre-restore"))

	restored := openSeriesDB(t, dataDir)
	defer restored.Close()
	assert.Equal(t, []string{"alpha"}, markerValues(t, restored))

	// The staged archive is consumed.
	applied, err = ApplyPendingRestore(dataDir, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestBackupService_RotateLocal(t *testing.T) {
	dataDir := t.TempDir()
	localDir := filepath.Join(dataDir, "backups")
	require.NoError(t, os.MkdirAll(localDir, 0o755))

	base := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	var names []string
	for i := 0; i < 6; i++ {
		name := archivePrefix + base.Add(time.Duration(i)*time.Minute).Format(timeLayout) + archiveSuffix
		require.NoError(t, os.WriteFile(filepath.Join(localDir, name), []byte("x"), 0o644))
		names = append(names, name)
	}
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "notes.txt"), []byte("keep"), 0o644))

	svc := NewBackupService(nil, nil, dataDir, 4, nil, zerolog.Nop())
	require.NoError(t, svc.rotateLocal())
	assert.ElementsMatch(t, names[2:], listArchives(t, localDir))
	assert.FileExists(t, filepath.Join(localDir, "notes.txt"))

	// keep below the floor still retains minKeep archives.
	svc = NewBackupService(nil, nil, dataDir, 1, nil, zerolog.Nop())
	require.NoError(t, svc.rotateLocal())
	assert.ElementsMatch(t, names[3:], listArchives(t, localDir))

	// keep <= 0 disables rotation.
	svc = NewBackupService(nil, nil, dataDir, 0, nil, zerolog.Nop())
	require.NoError(t, svc.rotateLocal())
	assert.Len(t, listArchives(t, localDir), minKeep)
}

func listArchives(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		if _, ok := parseArchiveTime(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestApplyPendingRestore_NothingStaged(t *testing.T) {
	applied, err := ApplyPendingRestore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApplyPendingRestore_RejectsBadChecksum(t *testing.T) {
	dataDir := t.TempDir()
	pending := filepath.Join(dataDir, restorePendingDir)
	require.NoError(t, os.MkdirAll(pending, 0o755))

	payload := []byte("not the snapshotted bytes")
	staging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staging, "index.db"), payload, 0o644))

	manifest := Manifest{
		CreatedAt: time.Now().UTC(),
		Databases: []DatabaseEntry{{
			Name:      "index",
			Filename:  "index.db",
			SizeBytes: int64(len(payload)),
			Checksum:  "sha256:deadbeef",
		}},
	}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(staging, manifestName), manifestJSON, 0o644))
	require.NoError(t, createArchive(staging, filepath.Join(pending, pendingArchive)))

	applied, err := ApplyPendingRestore(dataDir, zerolog.Nop())
	require.Error(t, err)
	assert.False(t, applied)
	assert.ErrorContains(t, err, "checksum mismatch")

	// The bad archive is set aside so the next start boots normally.
	assert.NoFileExists(t, filepath.Join(pending, pendingArchive))
	assert.FileExists(t, filepath.Join(pending, pendingArchive+".rejected"))
	assert.NoFileExists(t, filepath.Join(dataDir, "index.db"))
}

func TestParseArchiveTime(t *testing.T) {
	ts, ok := parseArchiveTime("indexd-backup-2026-08-25-031500.tar.gz")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 25, 3, 15, 0, 0, time.UTC), ts)

	_, ok = parseArchiveTime("other-2026-08-25-031500.tar.gz")
	assert.False(t, ok)
	_, ok = parseArchiveTime("indexd-backup-banana.tar.gz")
	assert.False(t, ok)
}
