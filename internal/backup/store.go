// Package backup implements the local-first JSON store. Every prospect is
// written here before any database write, so a database outage never loses
// discovered data.
package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"prospector/internal/logging"
	"prospector/internal/types"
)

// Upload status of a backup file.
const (
	StatusPending  = "pending"
	StatusUploaded = "uploaded"
	StatusFailed   = "failed"
)

const (
	engineDir   = "prospecting-engine"
	prospectDir = "prospects"
	failedDir   = "failed-uploads"
)

// Record is the on-disk shape of one backup file.
type Record struct {
	SavedAt      time.Time       `json:"saved_at"`
	ID           string          `json:"id"`
	Data         *types.Prospect `json:"data"`
	UploadStatus string          `json:"upload_status"`
	DatabaseID   string          `json:"database_id,omitempty"`
	UploadedAt   *time.Time      `json:"uploaded_at,omitempty"`
	UploadError  string          `json:"upload_error,omitempty"`
	FailedAt     *time.Time      `json:"failed_at,omitempty"`
}

// Entry pairs a parsed record with its absolute path.
type Entry struct {
	Path string
	Record
}

// Store owns the backup tree under <root>/prospecting-engine/.
type Store struct {
	mu          sync.Mutex
	prospectsAt string
	failedAt    string
	logger      *logging.Logger
}

// New creates the backup tree and returns a store rooted at root.
func New(root string) (*Store, error) {
	s := &Store{
		prospectsAt: filepath.Join(root, engineDir, prospectDir),
		failedAt:    filepath.Join(root, engineDir, failedDir),
		logger:      logging.Get(logging.CategoryBackup),
	}
	for _, dir := range []string{s.prospectsAt, s.failedAt} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory: %w", err)
		}
	}
	return s, nil
}

// Save writes a pending backup for p and returns the absolute file path.
// The filename embeds the save time plus a random id so concurrent saves
// never collide.
func (s *Store) Save(p *types.Prospect) (string, error) {
	if p == nil {
		return "", fmt.Errorf("nil prospect")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	name := fmt.Sprintf("prospect_%s_%s.json", now.Format("20060102T150405.000"), uuid.NewString()[:8])
	path := filepath.Join(s.prospectsAt, name)

	rec := Record{
		SavedAt:      now,
		ID:           p.ID,
		Data:         p,
		UploadStatus: StatusPending,
	}
	if err := writeRecord(path, &rec); err != nil {
		return "", err
	}
	s.logger.Info("Saved backup %s (prospect=%s company=%q)", name, p.ID, p.CompanyName)
	return path, nil
}

// MarkUploaded transitions a pending backup to uploaded.
func (s *Store) MarkUploaded(path, dbID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := readRecord(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.UploadStatus = StatusUploaded
	rec.DatabaseID = dbID
	rec.UploadedAt = &now
	rec.UploadError = ""
	rec.FailedAt = nil
	if err := writeRecord(path, rec); err != nil {
		return err
	}
	s.logger.Debug("Marked uploaded: %s (db=%s)", filepath.Base(path), dbID)
	return nil
}

// MarkFailed records the upload error and moves the file into
// failed-uploads/.
func (s *Store) MarkFailed(path string, uploadErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := readRecord(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.UploadStatus = StatusFailed
	rec.UploadError = errMessage(uploadErr)
	rec.FailedAt = &now
	if err := writeRecord(path, rec); err != nil {
		return err
	}

	dst := filepath.Join(s.failedAt, filepath.Base(path))
	if err := moveFile(path, dst); err != nil {
		return fmt.Errorf("failed to move backup to failed-uploads: %w", err)
	}
	s.logger.Error("Upload failed for %s: %v", filepath.Base(path), uploadErr)
	return nil
}

// UploadFn persists a prospect to the database and returns its database id.
type UploadFn func(p *types.Prospect) (string, error)

// RetryFailed re-attempts the upload for one failed backup. On success the
// file moves back into prospects/ as uploaded; on failure the error and
// timestamp are refreshed in place.
func (s *Store) RetryFailed(path string, upload UploadFn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := readRecord(path)
	if err != nil {
		return err
	}
	if rec.UploadStatus != StatusFailed {
		return fmt.Errorf("backup %s is %s, not failed", filepath.Base(path), rec.UploadStatus)
	}

	dbID, uploadErr := upload(rec.Data)
	now := time.Now().UTC()
	if uploadErr != nil {
		rec.UploadError = errMessage(uploadErr)
		rec.FailedAt = &now
		if werr := writeRecord(path, rec); werr != nil {
			return werr
		}
		return fmt.Errorf("retry upload: %w", uploadErr)
	}

	rec.UploadStatus = StatusUploaded
	rec.DatabaseID = dbID
	rec.UploadedAt = &now
	rec.UploadError = ""
	rec.FailedAt = nil
	if err := writeRecord(path, rec); err != nil {
		return err
	}
	dst := filepath.Join(s.prospectsAt, filepath.Base(path))
	if err := moveFile(path, dst); err != nil {
		return fmt.Errorf("failed to move backup out of failed-uploads: %w", err)
	}
	s.logger.Info("Retry succeeded for %s (db=%s)", filepath.Base(path), dbID)
	return nil
}

// ListPending visits pending backups in prospects/, oldest first. The walk
// stops on the first error fn returns.
func (s *Store) ListPending(fn func(Entry) error) error {
	return s.walk(s.prospectsAt, StatusPending, fn)
}

// ListFailed visits entries in failed-uploads/, oldest first.
func (s *Store) ListFailed(fn func(Entry) error) error {
	return s.walk(s.failedAt, StatusFailed, fn)
}

// Archive deletes uploaded backups whose upload finished more than
// olderThanDays ago. Pending and failed files are never touched. Returns
// the number of files removed.
func (s *Store) Archive(olderThanDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	removed := 0
	err := s.walkLocked(s.prospectsAt, StatusUploaded, func(e Entry) error {
		if e.UploadedAt == nil || !e.UploadedAt.Before(cutoff) {
			return nil
		}
		if err := os.Remove(e.Path); err != nil {
			return fmt.Errorf("failed to remove archived backup: %w", err)
		}
		removed++
		return nil
	})
	if removed > 0 {
		s.logger.Info("Archived %d uploaded backups older than %d days", removed, olderThanDays)
	}
	return removed, err
}

// Counts returns how many backups sit in each status.
func (s *Store) Counts() (pending, uploaded, failed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.walkLocked(s.prospectsAt, "", func(e Entry) error {
		switch e.UploadStatus {
		case StatusUploaded:
			uploaded++
		default:
			pending++
		}
		return nil
	})
	if err != nil {
		return
	}
	err = s.walkLocked(s.failedAt, "", func(e Entry) error {
		failed++
		return nil
	})
	return
}

func (s *Store) walk(dir, wantStatus string, fn func(Entry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walkLocked(dir, wantStatus, fn)
}

// walkLocked reads the directory listing eagerly but decodes one file at a
// time, so large trees never sit in memory at once.
func (s *Store) walkLocked(dir, wantStatus string, fn func(Entry) error) error {
	names, err := listJSONNames(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		rec, err := readRecord(path)
		if err != nil {
			s.logger.Error("Skipping unreadable backup %s: %v", name, err)
			continue
		}
		if wantStatus != "" && rec.UploadStatus != wantStatus {
			continue
		}
		if err := fn(Entry{Path: path, Record: *rec}); err != nil {
			return err
		}
	}
	return nil
}

// listJSONNames returns the .json filenames in dir sorted ascending. The
// timestamp prefix in each name makes lexical order chronological.
func listJSONNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse backup %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// writeRecord writes via temp file, fsyncs, then renames into place, so a
// crash never leaves a truncated JSON payload at path.
func writeRecord(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// moveFile renames src to dst, copying when rename fails (cross-device).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
