// Package backup snapshots, lists, restores and prunes copies of the live
// settings document.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/simpleflo/ccswitch/internal/fileutil"
	"github.com/simpleflo/ccswitch/internal/lock"
	"github.com/simpleflo/ccswitch/internal/observability"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// LabelPreRestore marks the safety copy taken before a restore.
const LabelPreRestore = "pre-restore"

const stampLayout = "20060102-150405"

// settings-20260102-150405.123456789[_2][-label].json
var namePattern = regexp.MustCompile(`^settings-(\d{8}-\d{6})\.(\d{9})(?:_(\d+))?(?:-([A-Za-z0-9-]+))?\.json$`)

var labelCleaner = regexp.MustCompile(`[^A-Za-z0-9-]+`)

// Appender records audit entries.
type Appender interface {
	Append(ctx context.Context, entry *models.HistoryEntry) error
}

// Service manages settings backups in one directory.
type Service struct {
	dir          string
	settingsPath string
	locks        *lock.Manager
	history      Appender
	actor        string
	now          func() time.Time
	logger       zerolog.Logger
}

// NewService creates a backup service for the settings document at
// settingsPath, storing copies in dir.
func NewService(dir, settingsPath string, locks *lock.Manager, history Appender, actor string) *Service {
	return &Service{
		dir:          dir,
		settingsPath: settingsPath,
		locks:        locks,
		history:      history,
		actor:        actor,
		now:          time.Now,
		logger:       observability.Logger("backup"),
	}
}

// Dir returns the backup directory.
func (s *Service) Dir() string { return s.dir }

// Backup copies the live settings document under a new, never reused name.
func (s *Service) Backup(ctx context.Context, label string) (*models.BackupRecord, error) {
	var rec *models.BackupRecord
	err := s.locks.WithLock(ctx, lock.ResourceSettings, func(context.Context) error {
		data, err := os.ReadFile(s.settingsPath)
		if os.IsNotExist(err) {
			return models.NewError(models.ErrNotFound, "live settings document does not exist").
				WithDetails("path", s.settingsPath).
				On(lock.ResourceSettings, "backup")
		}
		if err != nil {
			return models.Wrap(models.ErrInternal, "read live settings", err).On(lock.ResourceSettings, "backup")
		}
		rec, err = s.write(data, label)
		return err
	})
	if err != nil {
		observability.ObserveOperation("backup", "error")
		return nil, err
	}

	observability.ObserveOperation("backup", "ok")
	observability.LogEvent(s.logger, observability.EventBackupCreated, map[string]interface{}{
		"file": rec.Filename,
		"size": rec.Size,
	})
	return rec, nil
}

func (s *Service) write(data []byte, label string) (*models.BackupRecord, error) {
	if err := fileutil.EnsureDir(s.dir); err != nil {
		return nil, models.Wrap(models.ErrInternal, "create backup directory", err).On(lock.ResourceSettings, "backup")
	}

	label = cleanLabel(label)
	now := s.now().UTC()
	for attempt := 0; ; attempt++ {
		name := fileName(now, attempt, label)
		path := filepath.Join(s.dir, name)
		err := fileutil.WriteFileExclusive(path, data, 0600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, models.Wrap(models.ErrInternal, "write backup", err).On(lock.ResourceSettings, "backup")
		}
		return &models.BackupRecord{
			Filename:  name,
			Path:      path,
			Label:     label,
			CreatedAt: now,
			Size:      int64(len(data)),
		}, nil
	}
}

func fileName(t time.Time, attempt int, label string) string {
	var b strings.Builder
	b.WriteString("settings-")
	b.WriteString(t.Format(stampLayout))
	fmt.Fprintf(&b, ".%09d", t.Nanosecond())
	if attempt > 0 {
		fmt.Fprintf(&b, "_%d", attempt)
	}
	if label != "" {
		b.WriteString("-")
		b.WriteString(label)
	}
	b.WriteString(".json")
	return b.String()
}

func cleanLabel(label string) string {
	label = labelCleaner.ReplaceAllString(strings.TrimSpace(label), "-")
	return strings.Trim(label, "-")
}

type listed struct {
	rec     models.BackupRecord
	attempt int
}

// List scans the backup directory, newest first. Files that do not follow
// the naming scheme are ignored.
func (s *Service) List() ([]models.BackupRecord, error) {
	if !fileutil.DirExists(s.dir) {
		return []models.BackupRecord{}, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, models.Wrap(models.ErrInternal, "read backup directory", err).On("backup", "list")
	}

	var found []listed
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := namePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		created, err := time.ParseInLocation(stampLayout, m[1], time.UTC)
		if err != nil {
			created = info.ModTime()
		} else {
			nanos, _ := strconv.Atoi(m[2])
			created = created.Add(time.Duration(nanos))
		}
		attempt, _ := strconv.Atoi(m[3])
		found = append(found, listed{
			rec: models.BackupRecord{
				Filename:  entry.Name(),
				Path:      filepath.Join(s.dir, entry.Name()),
				Label:     m[4],
				CreatedAt: created,
				Size:      info.Size(),
			},
			attempt: attempt,
		})
	}

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.After(b.rec.CreatedAt)
		}
		return a.attempt > b.attempt
	})

	out := make([]models.BackupRecord, len(found))
	for i, f := range found {
		out[i] = f.rec
	}
	return out, nil
}

// Latest returns the newest backup.
func (s *Service) Latest() (*models.BackupRecord, error) {
	list, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, models.NewError(models.ErrNotFound, "no backups").On("backup", "latest")
	}
	return &list[0], nil
}

// Resolve maps a backup file name or path to a record.
func (s *Service) Resolve(ref string) (*models.BackupRecord, error) {
	path := ref
	if !filepath.IsAbs(ref) && !strings.ContainsRune(ref, filepath.Separator) {
		path = filepath.Join(s.dir, ref)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, models.NewError(models.ErrNotFound, fmt.Sprintf("backup %q not found", ref)).
			WithDetails("backup", ref).
			On("backup", "restore")
	}
	rec := &models.BackupRecord{
		Filename:  filepath.Base(path),
		Path:      path,
		CreatedAt: info.ModTime(),
		Size:      info.Size(),
	}
	if m := namePattern.FindStringSubmatch(rec.Filename); m != nil {
		rec.Label = m[4]
	}
	return rec, nil
}

// RestoreResult reports a completed restore.
type RestoreResult struct {
	Restored   models.BackupRecord  `json:"restored"`
	PreRestore *models.BackupRecord `json:"pre_restore,omitempty"`
	Entry      *models.HistoryEntry `json:"history_entry"`
}

// Restore validates the backup and atomically writes it over the live
// settings document. A valid live document is backed up first. If the
// audit entry cannot be written the previous content is put back.
func (s *Service) Restore(ctx context.Context, ref string) (*RestoreResult, error) {
	rec, err := s.Resolve(ref)
	if err != nil {
		return nil, err
	}

	res := &RestoreResult{Restored: *rec}
	err = s.locks.WithLock(ctx, lock.ResourceSettings, func(ctx context.Context) error {
		data, err := os.ReadFile(rec.Path)
		if err != nil {
			return models.Wrap(models.ErrInternal, "read backup", err).On("backup", "restore")
		}
		if !ValidDocument(data) {
			return models.NewError(models.ErrParse, fmt.Sprintf("backup %q is not a settings document", rec.Filename)).
				WithDetails("backup", rec.Filename).
				On("backup", "restore")
		}

		previous, readErr := os.ReadFile(s.settingsPath)
		existed := readErr == nil
		if readErr != nil && !os.IsNotExist(readErr) {
			return models.Wrap(models.ErrInternal, "read live settings", readErr).On(lock.ResourceSettings, "restore")
		}
		if existed && ValidDocument(previous) {
			pre, err := s.write(previous, LabelPreRestore)
			if err != nil {
				return err
			}
			res.PreRestore = pre
		}

		perm := fileutil.Mode(s.settingsPath, 0600)
		if err := fileutil.WriteFileAtomic(s.settingsPath, data, perm); err != nil {
			return models.Wrap(models.ErrInternal, "write live settings", err).On(lock.ResourceSettings, "restore")
		}

		entry := &models.HistoryEntry{
			Operation: models.OpRestore,
			Actor:     s.actor,
			Changes: []models.Change{
				{Key: "settings", New: models.StringPtr(rec.Filename)},
			},
		}
		if err := s.history.Append(ctx, entry); err != nil {
			s.rollback(previous, existed, perm)
			return err
		}
		res.Entry = entry
		return nil
	})
	if err != nil {
		observability.ObserveOperation("restore", "error")
		return nil, err
	}

	observability.ObserveOperation("restore", "ok")
	observability.LogEvent(s.logger, observability.EventSettingsRestored, map[string]interface{}{
		"backup": rec.Filename,
	})
	return res, nil
}

// rollback undoes a restore whose audit entry could not be written.
func (s *Service) rollback(previous []byte, existed bool, perm fs.FileMode) {
	var err error
	if existed {
		err = fileutil.WriteFileAtomic(s.settingsPath, previous, perm)
	} else {
		err = os.Remove(s.settingsPath)
		if os.IsNotExist(err) {
			err = nil
		}
	}
	if err != nil {
		observability.LogError(s.logger, err, "rollback of live settings failed", map[string]interface{}{
			"path": s.settingsPath,
		})
		return
	}
	s.logger.Warn().Str("path", s.settingsPath).Msg("live settings rolled back")
}

// Prune deletes backups older than maxAge, never touching the maxCount
// newest. At least one backup is always kept.
func (s *Service) Prune(ctx context.Context, maxAge time.Duration, maxCount int) ([]models.BackupRecord, error) {
	if maxCount < 1 {
		maxCount = 1
	}

	var removed []models.BackupRecord
	err := s.locks.WithLock(ctx, lock.ResourceSettings, func(context.Context) error {
		list, err := s.List()
		if err != nil {
			return err
		}
		cutoff := s.now().Add(-maxAge)
		for i, rec := range list {
			if i < maxCount || !rec.CreatedAt.Before(cutoff) {
				continue
			}
			if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
				return models.Wrap(models.ErrInternal, "remove backup", err).
					WithDetails("backup", rec.Filename).
					On("backup", "prune")
			}
			removed = append(removed, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(removed) > 0 {
		observability.LogEvent(s.logger, observability.EventBackupsPruned, map[string]interface{}{
			"removed": len(removed),
		})
	}
	return removed, nil
}

// ValidDocument reports whether data is a JSON object.
func ValidDocument(data []byte) bool {
	return gjson.ValidBytes(data) && gjson.ParseBytes(data).IsObject()
}
