// Package service is the facade every front-end calls. It composes the
// lock manager, profile store, settings projector, backups, history and
// migration into stateless request/response operations.
//
// Nothing is cached between calls. Mutations re-read the profile document
// under lock; reads take no lock and return a best-effort snapshot.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/simpleflo/ccswitch/internal/backup"
	"github.com/simpleflo/ccswitch/internal/config"
	"github.com/simpleflo/ccswitch/internal/history"
	"github.com/simpleflo/ccswitch/internal/lock"
	"github.com/simpleflo/ccswitch/internal/migrate"
	"github.com/simpleflo/ccswitch/internal/observability"
	"github.com/simpleflo/ccswitch/internal/profile"
	"github.com/simpleflo/ccswitch/internal/settings"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// Service implements the engine operations.
type Service struct {
	cfg       *config.Config
	locks     *lock.Manager
	migrator  *migrate.Engine
	history   *history.Recorder
	backups   *backup.Service
	projector *settings.Projector
	logger    zerolog.Logger
}

// New opens every component described by cfg.
func New(cfg *config.Config) (*Service, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, models.Wrap(models.ErrInternal, "create data directories", err)
	}

	rec, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return nil, models.Wrap(models.ErrInternal, "open history", err)
	}

	locks := lock.NewManager(cfg.LocksDir(), lock.Options{
		StaleAfter: cfg.Lock.StaleAfter,
		MaxWait:    cfg.Lock.MaxWait,
	})
	backups := backup.NewService(cfg.BackupsDir(), cfg.SettingsPath, locks, rec, cfg.Actor)

	return &Service{
		cfg:       cfg,
		locks:     locks,
		migrator:  migrate.New(cfg, locks),
		history:   rec,
		backups:   backups,
		projector: settings.NewProjector(cfg.SettingsPath, backups, rec, locks, cfg.Actor),
		logger:    observability.Logger("service"),
	}, nil
}

// Close releases the history database.
func (s *Service) Close() error {
	return s.history.Close()
}

// Config returns the configuration the service was built with.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// store returns a profile store that detects the layout on every call,
// under the profile lock for locked operations.
func (s *Service) store() *profile.Store {
	return profile.NewResolvingStore(s.migrator.Layout, s.locks)
}

func (s *Service) observe(operation string, err error) {
	result := "ok"
	if err != nil {
		result = string(models.CodeOf(err))
	}
	observability.ObserveOperation(operation, result)
}

// Health checks the history database.
func (s *Service) Health(ctx context.Context) error {
	return s.history.Health(ctx)
}

// CreateBackup snapshots the live settings document.
func (s *Service) CreateBackup(ctx context.Context, label string) (*models.BackupRecord, error) {
	return s.backups.Backup(ctx, label)
}

// ListBackups returns backups newest first.
func (s *Service) ListBackups() ([]models.BackupRecord, error) {
	return s.backups.List()
}

// RestoreBackup restores a backup by file name or path. "latest" picks the
// newest backup.
func (s *Service) RestoreBackup(ctx context.Context, ref string) (*backup.RestoreResult, error) {
	if ref == "" || ref == "latest" {
		latest, err := s.backups.Latest()
		if err != nil {
			return nil, err
		}
		ref = latest.Path
	}
	res, err := s.backups.Restore(ctx, ref)
	s.observe("restore", err)
	return res, err
}

// PruneBackups applies backup retention. Zero arguments fall back to the
// configured limits.
func (s *Service) PruneBackups(ctx context.Context, maxAge time.Duration, maxCount int) ([]models.BackupRecord, error) {
	if maxAge <= 0 {
		maxAge = s.cfg.Backup.MaxAge
	}
	if maxCount <= 0 {
		maxCount = s.cfg.Backup.MaxCount
	}
	return s.backups.Prune(ctx, maxAge, maxCount)
}

// History returns a most-recent-first page of the audit log.
func (s *Service) History(ctx context.Context, limit int, since time.Time) ([]models.HistoryEntry, error) {
	return s.history.List(ctx, limit, since)
}

// VerifyHistory checks the audit log hash chain.
func (s *Service) VerifyHistory(ctx context.Context) error {
	return s.history.Verify(ctx)
}

// TrimHistory keeps the newest max entries; zero uses the configured limit.
func (s *Service) TrimHistory(ctx context.Context, max int) (int64, error) {
	if max <= 0 {
		max = s.cfg.History.MaxEntries
	}
	return s.history.Trim(ctx, max)
}

// RetentionResult reports one retention pass.
type RetentionResult struct {
	BackupsRemoved int   `json:"backups_removed"`
	HistoryRemoved int64 `json:"history_removed"`
}

// Retention prunes backups and trims history with the configured limits.
func (s *Service) Retention(ctx context.Context) (*RetentionResult, error) {
	removed, err := s.PruneBackups(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	trimmed, err := s.TrimHistory(ctx, 0)
	if err != nil {
		return nil, err
	}
	return &RetentionResult{BackupsRemoved: len(removed), HistoryRemoved: trimmed}, nil
}

// MigrationStatus reports the on-disk layout.
func (s *Service) MigrationStatus() (models.MigrationStatus, error) {
	return s.migrator.Detect()
}

// Migrate upgrades the legacy layout.
func (s *Service) Migrate(ctx context.Context, opts migrate.Options) (*migrate.Result, error) {
	res, err := s.migrator.Migrate(ctx, opts)
	s.observe("migrate", err)
	return res, err
}

// CurrentSettings returns the owned keys of the live settings document,
// credentials masked.
func (s *Service) CurrentSettings() (map[string]string, error) {
	return s.projector.Current()
}
