package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/database"
	"github.com/stableyield/indexd/internal/events"
)

const (
	archivePrefix = "indexd-backup-"
	archiveSuffix = ".tar.gz"
	timeLayout    = "2006-01-02-150405"

	manifestName = "manifest.json"

	// restorePendingDir under the data dir holds a staged archive until the
	// next process start applies it.
	restorePendingDir = "restore-pending"
	pendingArchive    = "backup.tar.gz"

	// minKeep backups always survive rotation.
	minKeep = 3
)

// Manifest describes every database file inside a backup archive.
type Manifest struct {
	CreatedAt time.Time       `json:"created_at"`
	Databases []DatabaseEntry `json:"databases"`
}

// DatabaseEntry is one snapshotted database file.
type DatabaseEntry struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo is a stored archive, local or remote.
type BackupInfo struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupService snapshots the SQLite databases into checksummed tar.gz
// archives. With an object store configured the archives are uploaded and
// rotated remotely; without one they stay under <dataDir>/backups and rotate
// there.
type BackupService struct {
	dbs     []*database.DB
	remote  *ObjectStore
	dataDir string
	keep    int
	bus     *events.Bus
	log     zerolog.Logger
}

// NewBackupService wires the service. remote may be nil for local-only
// operation.
func NewBackupService(dbs []*database.DB, remote *ObjectStore, dataDir string, keep int, bus *events.Bus, log zerolog.Logger) *BackupService {
	return &BackupService{
		dbs:     dbs,
		remote:  remote,
		dataDir: dataDir,
		keep:    keep,
		bus:     bus,
		log:     log.With().Str("component", "backup").Logger(),
	}
}

func (s *BackupService) localDir() string {
	return filepath.Join(s.dataDir, "backups")
}

// Backup snapshots every database, wraps the snapshots and manifest into one
// archive and rotates old archives. It returns the local archive path.
func (s *BackupService) Backup(ctx context.Context) (string, error) {
	start := time.Now()

	localDir := s.localDir()
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	staging, err := os.MkdirTemp(localDir, "staging-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	manifest := Manifest{CreatedAt: start.UTC()}
	for _, db := range s.dbs {
		filename := filepath.Base(db.Path())
		dest := filepath.Join(staging, filename)
		if err := db.BackupTo(dest); err != nil {
			return "", err
		}

		info, err := os.Stat(dest)
		if err != nil {
			return "", fmt.Errorf("failed to stat snapshot %s: %w", filename, err)
		}
		sum, err := fileChecksum(dest)
		if err != nil {
			return "", err
		}
		manifest.Databases = append(manifest.Databases, DatabaseEntry{
			Name:      db.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  sum,
		})
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, manifestName), manifestJSON, 0o644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	name := archivePrefix + start.UTC().Format(timeLayout) + archiveSuffix
	archivePath := filepath.Join(localDir, name)
	if err := createArchive(staging, archivePath); err != nil {
		return "", err
	}
	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}

	uploaded := false
	if s.remote != nil {
		f, err := os.Open(archivePath)
		if err != nil {
			return "", fmt.Errorf("failed to open archive for upload: %w", err)
		}
		err = s.remote.Upload(ctx, name, f)
		f.Close()
		if err != nil {
			return "", err
		}
		uploaded = true
		if err := s.rotateRemote(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Remote backup rotation failed")
		}
	}
	if err := s.rotateLocal(); err != nil {
		s.log.Warn().Err(err).Msg("Local backup rotation failed")
	}

	duration := time.Since(start)
	s.log.Info().
		Str("archive", name).
		Int64("size_bytes", archiveInfo.Size()).
		Bool("uploaded", uploaded).
		Dur("duration", duration).
		Msg("Backup completed")

	if s.bus != nil {
		s.bus.Emit(events.BackupCompleted, "reliability", &events.BackupCompletedData{
			Archive:    name,
			SizeBytes:  archiveInfo.Size(),
			Uploaded:   uploaded,
			DurationMs: duration.Milliseconds(),
		})
	}
	return archivePath, nil
}

// ListBackups returns stored archives, newest first. With a remote configured
// it lists the bucket, otherwise the local backup dir.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	var backups []BackupInfo

	if s.remote != nil {
		objects, err := s.remote.List(ctx, archivePrefix)
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			created, ok := parseArchiveTime(obj.Key)
			if !ok {
				created = obj.LastModified
			}
			backups = append(backups, BackupInfo{Name: obj.Key, SizeBytes: obj.Size, CreatedAt: created})
		}
	} else {
		entries, err := os.ReadDir(s.localDir())
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read backup dir: %w", err)
		}
		for _, entry := range entries {
			created, ok := parseArchiveTime(entry.Name())
			if !ok {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			backups = append(backups, BackupInfo{Name: entry.Name(), SizeBytes: info.Size(), CreatedAt: created})
		}
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// StageRestore places the named archive under <dataDir>/restore-pending. The
// databases are live, so the restore is applied by ApplyPendingRestore on the
// next process start.
func (s *BackupService) StageRestore(ctx context.Context, name string) error {
	if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
		return fmt.Errorf("unrecognized backup name: %s", name)
	}

	pending := filepath.Join(s.dataDir, restorePendingDir)
	if err := os.MkdirAll(pending, 0o755); err != nil {
		return fmt.Errorf("failed to create restore dir: %w", err)
	}
	dest := filepath.Join(pending, pendingArchive)

	if s.remote != nil {
		f, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("failed to create staged archive: %w", err)
		}
		_, err = s.remote.Download(ctx, name, f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(dest)
			return err
		}
	} else {
		if err := copyFile(filepath.Join(s.localDir(), name), dest); err != nil {
			return err
		}
	}

	s.log.Info().Str("archive", name).Msg("Restore staged, applied at next start")
	return nil
}

func (s *BackupService) rotateRemote(ctx context.Context) error {
	keep := s.keep
	if keep <= 0 {
		return nil
	}
	if keep < minKeep {
		keep = minKeep
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	for _, old := range backupsBeyond(backups, keep) {
		if err := s.remote.Delete(ctx, old.Name); err != nil {
			return err
		}
		s.log.Info().Str("archive", old.Name).Msg("Rotated remote backup")
	}
	return nil
}

func (s *BackupService) rotateLocal() error {
	keep := s.keep
	if keep <= 0 {
		return nil
	}
	if keep < minKeep {
		keep = minKeep
	}

	entries, err := os.ReadDir(s.localDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var backups []BackupInfo
	for _, entry := range entries {
		created, ok := parseArchiveTime(entry.Name())
		if !ok {
			continue
		}
		backups = append(backups, BackupInfo{Name: entry.Name(), CreatedAt: created})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})

	for _, old := range backupsBeyond(backups, keep) {
		if err := os.Remove(filepath.Join(s.localDir(), old.Name)); err != nil {
			return err
		}
		s.log.Info().Str("archive", old.Name).Msg("Rotated local backup")
	}
	return nil
}

func backupsBeyond(backups []BackupInfo, keep int) []BackupInfo {
	if len(backups) <= keep {
		return nil
	}
	return backups[keep:]
}

func parseArchiveTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
	t, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// ApplyPendingRestore checks for a staged restore archive and, when present,
// swaps the database files before anything opens them. The previous live
// files survive as *.pre-restore. Returns whether a restore was applied.
func ApplyPendingRestore(dataDir string, log zerolog.Logger) (bool, error) {
	pending := filepath.Join(dataDir, restorePendingDir)
	archive := filepath.Join(pending, pendingArchive)
	if _, err := os.Stat(archive); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat staged archive: %w", err)
	}

	log.Info().Str("archive", archive).Msg("Applying staged restore")

	extracted := filepath.Join(pending, "extracted")
	if err := os.RemoveAll(extracted); err != nil {
		return false, fmt.Errorf("failed to clear extract dir: %w", err)
	}
	if err := extractArchive(archive, extracted); err != nil {
		return false, rejectPending(archive, err)
	}

	manifestJSON, err := os.ReadFile(filepath.Join(extracted, manifestName))
	if err != nil {
		return false, rejectPending(archive, fmt.Errorf("failed to read manifest: %w", err))
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return false, rejectPending(archive, fmt.Errorf("failed to decode manifest: %w", err))
	}
	if len(manifest.Databases) == 0 {
		return false, rejectPending(archive, errors.New("manifest lists no databases"))
	}

	for _, entry := range manifest.Databases {
		src := filepath.Join(extracted, entry.Filename)
		info, err := os.Stat(src)
		if err != nil {
			return false, rejectPending(archive, fmt.Errorf("archive missing %s: %w", entry.Filename, err))
		}
		if info.Size() != entry.SizeBytes {
			return false, rejectPending(archive, fmt.Errorf("%s size mismatch: manifest %d, archive %d", entry.Filename, entry.SizeBytes, info.Size()))
		}
		sum, err := fileChecksum(src)
		if err != nil {
			return false, rejectPending(archive, err)
		}
		if sum != entry.Checksum {
			return false, rejectPending(archive, fmt.Errorf("%s checksum mismatch", entry.Filename))
		}
	}

	for _, entry := range manifest.Databases {
		live := filepath.Join(dataDir, entry.Filename)

		// Stale WAL and SHM files would graft old pages onto the restored
		// database.
		for _, sidecar := range []string{live + "-wal", live + "-shm"} {
			if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
				return false, fmt.Errorf("failed to remove %s: %w", sidecar, err)
			}
		}

		if _, err := os.Stat(live); err == nil {
			saved := live + ".pre-restore"
			os.Remove(saved)
			if err := os.Rename(live, saved); err != nil {
				return false, fmt.Errorf("failed to set aside %s: %w", live, err)
			}
		}
		if err := os.Rename(filepath.Join(extracted, entry.Filename), live); err != nil {
			return false, fmt.Errorf("failed to install %s: %w", entry.Filename, err)
		}
		log.Info().Str("database", entry.Name).Str("file", entry.Filename).Msg("Database restored")
	}

	if err := os.RemoveAll(pending); err != nil {
		log.Warn().Err(err).Msg("Failed to remove restore dir")
	}
	return true, nil
}

// rejectPending renames a bad staged archive out of the way so the next start
// boots normally instead of retrying it.
func rejectPending(archive string, cause error) error {
	if err := os.Rename(archive, archive+".rejected"); err != nil {
		return fmt.Errorf("%w (and failed to set archive aside: %v)", cause, err)
	}
	return fmt.Errorf("staged restore rejected: %w", cause)
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// createArchive packs every regular file in dir into a tar.gz at dest.
func createArchive(dir, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	entries, err := os.ReadDir(dir)
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to read staging dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := addFileToArchive(tw, filepath.Join(dir, entry.Name()), entry.Name()); err != nil {
			out.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return fmt.Errorf("failed to finalize compression: %w", err)
	}
	return out.Close()
}

func addFileToArchive(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	header := &tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// extractArchive unpacks a flat tar.gz into dest. Entry names must stay
// inside dest.
func extractArchive(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read compression header: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create extract dir: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Clean(header.Name)
		if name != filepath.Base(name) {
			return fmt.Errorf("archive entry escapes extract dir: %s", header.Name)
		}

		out, err := os.Create(filepath.Join(dest, name))
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("failed to extract %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
	}
	return nil
}
