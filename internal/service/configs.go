package service

import (
	"bytes"
	"context"
	"fmt"

	"github.com/simpleflo/ccswitch/internal/lock"
	"github.com/simpleflo/ccswitch/internal/observability"
	"github.com/simpleflo/ccswitch/internal/profile"
	"github.com/simpleflo/ccswitch/internal/settings"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// both is the lock set of operations that touch the profile document and
// the live settings together, in acquisition order.
var both = []string{lock.ResourceProfile, lock.ResourceSettings}

// ConfigList is the listing returned to front-ends.
type ConfigList struct {
	CurrentConfig string                  `json:"current_config"`
	DefaultConfig string                  `json:"default_config"`
	Layout        profile.Kind            `json:"layout"`
	Path          string                  `json:"path"`
	Configs       []*models.ConfigSection `json:"configs"`
}

// SwitchResult reports a completed switch.
type SwitchResult struct {
	Previous string           `json:"previous"`
	Current  string           `json:"current"`
	Settings *settings.Result `json:"settings"`
}

// UpdateResult reports a completed update. Settings is set when the
// updated section was current and got re-projected.
type UpdateResult struct {
	Changes  []models.Change  `json:"changes"`
	Settings *settings.Result `json:"settings,omitempty"`
}

// ListConfigs returns every section with credentials masked. It takes no
// lock.
func (s *Service) ListConfigs() (*ConfigList, error) {
	layout, err := s.store().Layout()
	if err != nil {
		return nil, err
	}
	cfg, err := layout.Load()
	if err != nil {
		return nil, err
	}
	red := cfg.Redacted()
	return &ConfigList{
		CurrentConfig: red.CurrentConfig,
		DefaultConfig: red.DefaultConfig,
		Layout:        layout.Kind(),
		Path:          layout.Path(),
		Configs:       red.Sections,
	}, nil
}

// GetConfig returns one section. The credential is masked unless reveal
// is set.
func (s *Service) GetConfig(name string, reveal bool) (*models.ConfigSection, error) {
	cfg, err := s.store().Snapshot()
	if err != nil {
		return nil, err
	}
	section := cfg.Get(name)
	if section == nil {
		return nil, notFound(name, "get")
	}
	if reveal {
		return section.Clone(), nil
	}
	return section.Redacted(), nil
}

// CurrentConfig returns the current section, masked.
func (s *Service) CurrentConfig() (*models.ConfigSection, error) {
	cfg, err := s.store().Snapshot()
	if err != nil {
		return nil, err
	}
	current := cfg.Current()
	if current == nil {
		return nil, models.NewError(models.ErrNotFound, "no current config; add one first").
			On(lock.ResourceProfile, "current")
	}
	return current.Redacted(), nil
}

// AddConfig adds a section and records it. The first section becomes
// current and default but is not projected until switched to.
func (s *Service) AddConfig(ctx context.Context, section *models.ConfigSection) error {
	err := s.guarded(ctx, []string{lock.ResourceProfile}, func(ctx context.Context, store *profile.Store) error {
		if err := store.AddSection(ctx, section); err != nil {
			return err
		}
		name := models.NormalizeName(section.Name)
		return s.history.Append(ctx, &models.HistoryEntry{
			Operation: models.OpAdd,
			Actor:     s.cfg.Actor,
			ToConfig:  name,
			Changes:   diffSections(name, nil, section),
		})
	})
	s.observe("add", err)
	return err
}

// UpdateConfig replaces a section. When it is the current section the live
// settings are re-projected in the same locked unit.
func (s *Service) UpdateConfig(ctx context.Context, name string, section *models.ConfigSection) (*UpdateResult, error) {
	name = models.NormalizeName(name)
	section = section.Clone()
	section.Name = name

	var res *UpdateResult
	err := s.guarded(ctx, both, func(ctx context.Context, store *profile.Store) error {
		previous, err := store.UpdateSection(ctx, name, section)
		if err != nil {
			return err
		}
		res = &UpdateResult{Changes: diffSections(name, previous, section)}

		cfg, err := store.Load(ctx)
		if err != nil {
			return err
		}
		if cfg.CurrentConfig != name {
			return s.history.Append(ctx, &models.HistoryEntry{
				Operation: models.OpUpdate,
				Actor:     s.cfg.Actor,
				ToConfig:  name,
				Changes:   res.Changes,
			})
		}

		res.Settings, err = s.projector.Apply(ctx, cfg.Get(name), settings.ApplyOptions{
			Operation: models.OpUpdate,
			Actor:     s.cfg.Actor,
			From:      name,
			To:        name,
			Changes:   res.Changes,
		})
		return err
	})
	s.observe("update", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteConfig removes a section that is not current.
func (s *Service) DeleteConfig(ctx context.Context, name string) error {
	name = models.NormalizeName(name)
	err := s.guarded(ctx, []string{lock.ResourceProfile}, func(ctx context.Context, store *profile.Store) error {
		removed, err := store.DeleteSection(ctx, name)
		if err != nil {
			return err
		}
		return s.history.Append(ctx, &models.HistoryEntry{
			Operation:  models.OpDelete,
			Actor:      s.cfg.Actor,
			FromConfig: name,
			Changes:    diffSections(name, removed, nil),
		})
	})
	s.observe("delete", err)
	return err
}

// SwitchConfig makes name current and projects it into the live settings.
// Both locks are held for the whole unit, so the profile document, the
// settings document and the audit entry change together or not at all.
func (s *Service) SwitchConfig(ctx context.Context, name string) (*SwitchResult, error) {
	name = models.NormalizeName(name)

	var res *SwitchResult
	err := s.guarded(ctx, both, func(ctx context.Context, store *profile.Store) error {
		previous, err := store.Switch(ctx, name)
		if err != nil {
			return err
		}
		cfg, err := store.Load(ctx)
		if err != nil {
			return err
		}
		projected, err := s.projector.Apply(ctx, cfg.Get(name), settings.ApplyOptions{
			Operation: models.OpSwitch,
			Actor:     s.cfg.Actor,
			From:      previous,
			To:        name,
		})
		if err != nil {
			return err
		}
		res = &SwitchResult{Previous: previous, Current: name, Settings: projected}
		return nil
	})
	s.observe("switch", err)
	if err != nil {
		return nil, err
	}

	observability.LogEvent(s.logger, observability.EventConfigSwitched, map[string]interface{}{
		"from": res.Previous,
		"to":   res.Current,
	})
	return res, nil
}

// guarded runs fn under the given locks with a store over the active
// layout. The layout is resolved after the profile lock is held, so a
// migration finished by another process is never written around. If fn
// fails after the profile document changed, the document is written back
// as it was.
func (s *Service) guarded(ctx context.Context, resources []string, fn func(ctx context.Context, store *profile.Store) error) error {
	return s.locks.WithLocks(ctx, resources, func(ctx context.Context) error {
		layout, err := s.migrator.Layout()
		if err != nil {
			return err
		}
		store := profile.NewStore(layout, s.locks)
		before, err := layout.Load()
		if err != nil {
			return err
		}
		if err := fn(ctx, store); err != nil {
			s.revert(layout, before)
			return err
		}
		return nil
	})
}

// revert restores before when the document on disk no longer matches it.
// Callers hold the profile lock.
func (s *Service) revert(layout profile.Layout, before *models.CcsConfig) {
	want, err := profile.Encode(before)
	if err != nil {
		observability.LogError(s.logger, err, "encode profile document for revert", nil)
		return
	}
	after, err := layout.Load()
	if err == nil {
		if got, encErr := profile.Encode(after); encErr == nil && bytes.Equal(got, want) {
			return
		}
	}
	if err := layout.Save(before); err != nil {
		observability.LogError(s.logger, err, "revert of profile document failed", map[string]interface{}{
			"path": layout.Path(),
		})
		return
	}
	s.logger.Warn().Str("path", layout.Path()).Msg("profile document reverted")
}

func notFound(name, operation string) error {
	return models.NewError(models.ErrNotFound, fmt.Sprintf("section %q not found", name)).
		WithDetails("section", name).
		On(lock.ResourceProfile, operation)
}

// GlobalSettings returns the [settings] table of the active document.
func (s *Service) GlobalSettings() (models.GlobalSettings, error) {
	cfg, err := s.store().Snapshot()
	if err != nil {
		return models.GlobalSettings{}, err
	}
	return cfg.Settings, nil
}
