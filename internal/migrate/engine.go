// Package migrate detects which profile layout is on disk and upgrades the
// legacy single-file layout to the unified per-platform layout.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/simpleflo/ccswitch/internal/config"
	"github.com/simpleflo/ccswitch/internal/fileutil"
	"github.com/simpleflo/ccswitch/internal/lock"
	"github.com/simpleflo/ccswitch/internal/observability"
	"github.com/simpleflo/ccswitch/internal/profile"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// Options controls a migration run.
type Options struct {
	// Platform resolves a conflict between diverging current-platform
	// pointers and becomes the unified current_platform.
	Platform string
}

// Result reports what a migration run did.
type Result struct {
	Migrated         bool     `json:"migrated"`
	Reason           string   `json:"reason,omitempty"`
	Platforms        []string `json:"platforms,omitempty"`
	SectionsMigrated int      `json:"sections_migrated"`
	BackupPath       string   `json:"backup_path,omitempty"`
}

// Engine converts between the legacy and unified layouts.
type Engine struct {
	legacy   *profile.LegacyLayout
	unified  *profile.UnifiedLayout
	override bool
	policy   GroupPolicy
	locks    *lock.Manager
	now      func() time.Time
	logger   zerolog.Logger
}

// New builds an engine from configuration.
func New(cfg *config.Config, locks *lock.Manager) *Engine {
	return NewEngine(
		profile.NewLegacyLayout(cfg.LegacyConfigPath),
		profile.NewUnifiedLayout(cfg.UnifiedRoot(), cfg.Migration.DefaultPlatform),
		cfg.HasRootOverride(),
		NewProviderTypePolicy(cfg.Migration.Groups, cfg.Migration.DefaultPlatform),
		locks,
	)
}

// NewEngine builds an engine from explicit parts. override forces unified
// mode regardless of the marker file.
func NewEngine(legacy *profile.LegacyLayout, unified *profile.UnifiedLayout, override bool, policy GroupPolicy, locks *lock.Manager) *Engine {
	return &Engine{
		legacy:   legacy,
		unified:  unified,
		override: override,
		policy:   policy,
		locks:    locks,
		now:      time.Now,
		logger:   observability.Logger("migrate"),
	}
}

// Detect reports the layout state. Priority: root override, then the
// unified marker file, else legacy.
func (e *Engine) Detect() (models.MigrationStatus, error) {
	status := models.MigrationStatus{
		LegacyConfigPath:   e.legacy.Path(),
		LegacyConfigExists: e.legacy.Exists(),
	}
	if status.LegacyConfigExists {
		cfg, err := e.legacy.Load()
		if err != nil {
			return status, err
		}
		status.LegacySectionCount = len(cfg.Sections)
	}

	unifiedExists := e.unified.Exists()
	if unifiedExists {
		status.UnifiedConfigPath = e.unified.RootPath()
	}
	status.IsUnifiedMode = e.override || unifiedExists
	return status, nil
}

// Layout returns the layout driver the profile store should use.
func (e *Engine) Layout() (profile.Layout, error) {
	status, err := e.Detect()
	if err != nil {
		return nil, err
	}
	if status.IsUnifiedMode {
		return e.unified, nil
	}
	return e.legacy, nil
}

// Migrate upgrades a legacy document to the unified layout. It is a no-op
// when there is nothing to migrate, so repeated runs are safe.
func (e *Engine) Migrate(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{}
	err := e.locks.WithLock(ctx, lock.ResourceProfile, func(ctx context.Context) error {
		status, err := e.Detect()
		if err != nil {
			return err
		}
		switch {
		case !status.LegacyConfigExists:
			res.Reason = "no legacy profile document"
			return nil
		case status.LegacySectionCount == 0:
			res.Reason = "legacy profile document has no sections"
			return nil
		}

		legacyCfg, err := e.legacy.Load()
		if err != nil {
			return err
		}
		if status.UnifiedExists() {
			return e.reconcile(ctx, legacyCfg, opts, res)
		}
		return e.convert(ctx, legacyCfg, opts, res)
	})
	if err != nil {
		return nil, err
	}

	if res.Migrated {
		observability.LogEvent(e.logger, observability.EventMigrationDone, map[string]interface{}{
			"platforms": res.Platforms,
			"sections":  res.SectionsMigrated,
			"backup":    res.BackupPath,
		})
	}
	return res, nil
}

// group splits sections by platform, keeping document order.
func (e *Engine) group(cfg *models.CcsConfig) ([]string, map[string][]*models.ConfigSection) {
	var order []string
	groups := make(map[string][]*models.ConfigSection)
	for _, s := range cfg.Sections {
		p := e.policy.Platform(s)
		if _, ok := groups[p]; !ok {
			order = append(order, p)
		}
		groups[p] = append(groups[p], s.Clone())
	}
	return order, groups
}

// platformOf returns the platform of the named section, or of the first
// section when the name is dangling.
func (e *Engine) platformOf(cfg *models.CcsConfig, name string) string {
	if s := cfg.Get(name); s != nil {
		return e.policy.Platform(s)
	}
	return e.policy.Platform(cfg.Sections[0])
}

func (e *Engine) currentPlatform(cfg *models.CcsConfig) string {
	return e.platformOf(cfg, cfg.CurrentConfig)
}

// convert writes the unified tree from scratch. The root document is
// written last because its presence marks the unified layout.
func (e *Engine) convert(ctx context.Context, legacyCfg *models.CcsConfig, opts Options, res *Result) error {
	backupPath, err := e.backupLegacy()
	if err != nil {
		return err
	}
	res.BackupPath = backupPath

	order, groups := e.group(legacyCfg)
	root := profile.NewRootDocument()

	for _, platform := range order {
		doc := models.NewCcsConfig()
		doc.Sections = groups[platform]
		doc.Settings = legacyCfg.Clone().Settings
		if doc.Has(legacyCfg.CurrentConfig) {
			doc.CurrentConfig = legacyCfg.CurrentConfig
		}
		if doc.Has(legacyCfg.DefaultConfig) {
			doc.DefaultConfig = legacyCfg.DefaultConfig
		}
		doc.RepairPointers()

		if err := e.unified.WritePlatform(platform, doc); err != nil {
			return err
		}
		root.Entry(platform).CurrentProfile = doc.CurrentConfig
		res.SectionsMigrated += len(doc.Sections)

		if err := e.refresh(ctx); err != nil {
			return err
		}
	}

	current := e.currentPlatform(legacyCfg)
	if opts.Platform != "" {
		current = opts.Platform
		root.Entry(current)
	}
	root.CurrentPlatform = current
	root.DefaultPlatform = e.platformOf(legacyCfg, legacyCfg.DefaultConfig)
	root.Entry(current).LastUsed = e.now().UTC().Truncate(time.Second)

	if err := e.unified.SaveRoot(root); err != nil {
		return err
	}
	if err := e.removeLegacy(); err != nil {
		return err
	}

	res.Migrated = true
	res.Platforms = order
	return nil
}

// reconcile handles a legacy document next to an existing unified tree.
// Agreeing pointers leave both alone; diverging pointers need an explicit
// platform, after which missing legacy sections are merged in.
func (e *Engine) reconcile(ctx context.Context, legacyCfg *models.CcsConfig, opts Options, res *Result) error {
	legacyPlatform := e.currentPlatform(legacyCfg)
	unifiedPlatform, err := e.unified.Platform()
	if err != nil {
		return err
	}

	if opts.Platform == "" {
		if legacyPlatform == unifiedPlatform {
			res.Reason = "unified layout already present"
			return nil
		}
		return models.NewError(models.ErrMigrationConflict,
			fmt.Sprintf("legacy document points at platform %q but the unified layout points at %q; rerun with an explicit platform",
				legacyPlatform, unifiedPlatform)).
			WithDetails("legacy_platform", legacyPlatform).
			WithDetails("unified_platform", unifiedPlatform).
			On(lock.ResourceProfile, "migrate")
	}

	backupPath, err := e.backupLegacy()
	if err != nil {
		return err
	}
	res.BackupPath = backupPath

	root, err := e.unified.LoadRoot()
	if err != nil {
		return err
	}

	order, groups := e.group(legacyCfg)
	for _, platform := range order {
		doc, err := e.unified.LoadPlatform(platform)
		if err != nil {
			return err
		}
		added := 0
		for _, s := range groups[platform] {
			if doc.Has(s.Name) {
				continue
			}
			doc.Sections = append(doc.Sections, s)
			added++
		}
		if added == 0 {
			continue
		}
		doc.RepairPointers()
		if err := e.unified.WritePlatform(platform, doc); err != nil {
			return err
		}
		root.Entry(platform).CurrentProfile = doc.CurrentConfig
		res.SectionsMigrated += added
		res.Platforms = append(res.Platforms, platform)

		if err := e.refresh(ctx); err != nil {
			return err
		}
	}

	root.CurrentPlatform = opts.Platform
	root.Entry(opts.Platform).LastUsed = e.now().UTC().Truncate(time.Second)
	if err := e.unified.SaveRoot(root); err != nil {
		return err
	}
	if err := e.removeLegacy(); err != nil {
		return err
	}

	res.Migrated = true
	return nil
}

// backupLegacy copies the legacy document to a timestamped sibling that is
// never overwritten.
func (e *Engine) backupLegacy() (string, error) {
	data, err := os.ReadFile(e.legacy.Path())
	if err != nil {
		return "", models.Wrap(models.ErrInternal, "read legacy profile document", err).
			On(lock.ResourceProfile, "migrate")
	}

	stamp := e.now().Format("20060102-150405")
	for i := 0; ; i++ {
		path := fmt.Sprintf("%s.%s.bak", e.legacy.Path(), stamp)
		if i > 0 {
			path = fmt.Sprintf("%s.%s-%d.bak", e.legacy.Path(), stamp, i)
		}
		err := fileutil.WriteFileExclusive(path, data, 0600)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", models.Wrap(models.ErrInternal, "back up legacy profile document", err).
				On(lock.ResourceProfile, "migrate")
		}
	}
}

func (e *Engine) removeLegacy() error {
	if err := os.Remove(e.legacy.Path()); err != nil && !os.IsNotExist(err) {
		return models.Wrap(models.ErrInternal, "remove legacy profile document", err).
			On(lock.ResourceProfile, "migrate")
	}
	return nil
}

func (e *Engine) refresh(ctx context.Context) error {
	if l := lock.FromContext(ctx, lock.ResourceProfile); l != nil {
		return l.Refresh()
	}
	return nil
}
