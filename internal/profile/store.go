// Package profile reads and writes the profile document.
//
// Every mutating operation is one load-modify-save unit under the profile
// lock. Nothing is cached between calls; each call re-reads the file so
// changes made by other processes are always observed.
package profile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/simpleflo/ccswitch/internal/lock"
	"github.com/simpleflo/ccswitch/internal/observability"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// Resolver picks the layout to operate on. It is called under the profile
// lock for every locked operation, so a layout change made by another
// process (a migration) is seen before anything is written.
type Resolver func() (Layout, error)

// Store provides locked access to the profile document.
type Store struct {
	resolve Resolver
	locks   *lock.Manager
	logger  zerolog.Logger
}

// NewStore creates a store over a fixed layout.
func NewStore(layout Layout, locks *lock.Manager) *Store {
	return NewResolvingStore(func() (Layout, error) { return layout, nil }, locks)
}

// NewResolvingStore creates a store that re-resolves its layout on every
// operation.
func NewResolvingStore(resolve Resolver, locks *lock.Manager) *Store {
	return &Store{
		resolve: resolve,
		locks:   locks,
		logger:  observability.Logger("profile"),
	}
}

// Layout returns the layout driver in effect now. Callers that write
// through it must hold the profile lock.
func (s *Store) Layout() (Layout, error) {
	return s.resolve()
}

// Snapshot reads the document without locking. The result is a best-effort
// view and must not be written back.
func (s *Store) Snapshot() (*models.CcsConfig, error) {
	layout, err := s.resolve()
	if err != nil {
		return nil, err
	}
	return layout.Load()
}

// Load reads the document under the profile lock.
func (s *Store) Load(ctx context.Context) (*models.CcsConfig, error) {
	var cfg *models.CcsConfig
	err := s.locks.WithLock(ctx, lock.ResourceProfile, func(context.Context) error {
		layout, err := s.resolve()
		if err != nil {
			return err
		}
		cfg, err = layout.Load()
		return err
	})
	return cfg, err
}

// Save replaces the document after checking its invariants.
func (s *Store) Save(ctx context.Context, cfg *models.CcsConfig) error {
	if err := cfg.CheckInvariants(); err != nil {
		return err
	}
	return s.locks.WithLock(ctx, lock.ResourceProfile, func(context.Context) error {
		layout, err := s.resolve()
		if err != nil {
			return err
		}
		return layout.Save(cfg)
	})
}

// Mutate loads the document, applies fn and saves the result, all under the
// profile lock. Nothing is written if fn fails or the result breaks an
// invariant. The saved document is returned.
func (s *Store) Mutate(ctx context.Context, fn func(cfg *models.CcsConfig) error) (*models.CcsConfig, error) {
	var out *models.CcsConfig
	err := s.locks.WithLock(ctx, lock.ResourceProfile, func(context.Context) error {
		layout, err := s.resolve()
		if err != nil {
			return err
		}
		cfg, err := layout.Load()
		if err != nil {
			return err
		}
		if err := fn(cfg); err != nil {
			return err
		}
		if err := cfg.CheckInvariants(); err != nil {
			return err
		}
		if err := layout.Save(cfg); err != nil {
			return err
		}
		out = cfg
		return nil
	})
	return out, err
}

// AddSection appends a new section. The first section becomes both current
// and default.
func (s *Store) AddSection(ctx context.Context, section *models.ConfigSection) error {
	section = section.Clone()
	section.Name = models.NormalizeName(section.Name)
	if err := section.Validate(); err != nil {
		return err
	}

	_, err := s.Mutate(ctx, func(cfg *models.CcsConfig) error {
		if cfg.Has(section.Name) {
			return models.NewError(models.ErrDuplicateName,
				fmt.Sprintf("section %q already exists", section.Name)).
				WithDetails("section", section.Name).
				On(lock.ResourceProfile, "add")
		}
		cfg.Sections = append(cfg.Sections, section)
		cfg.RepairPointers()
		return nil
	})
	if err == nil {
		observability.LogEvent(observability.WithSection(s.logger, section.Name), observability.EventConfigAdded, nil)
	}
	return err
}

// UpdateSection replaces the named section in place. The usage counter is
// kept and unknown keys are merged, with the update winning. It returns the
// section as it was before the update.
func (s *Store) UpdateSection(ctx context.Context, name string, section *models.ConfigSection) (*models.ConfigSection, error) {
	name = models.NormalizeName(name)
	section = section.Clone()
	section.Name = name
	if err := section.Validate(); err != nil {
		return nil, err
	}

	var previous *models.ConfigSection
	_, err := s.Mutate(ctx, func(cfg *models.CcsConfig) error {
		old := cfg.Get(name)
		if old == nil {
			return notFound(name, "update")
		}
		previous = old.Clone()

		section.UsageCount = old.UsageCount
		if len(old.Extra) > 0 {
			merged := make(map[string]interface{}, len(old.Extra)+len(section.Extra))
			for k, v := range old.Extra {
				merged[k] = v
			}
			for k, v := range section.Extra {
				merged[k] = v
			}
			section.Extra = merged
		}
		cfg.Put(section)
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.LogEvent(observability.WithSection(s.logger, name), observability.EventConfigUpdated, nil)
	return previous, nil
}

// DeleteSection removes the named section. The current section cannot be
// deleted. If the default section is deleted, the current one becomes the
// default.
func (s *Store) DeleteSection(ctx context.Context, name string) (*models.ConfigSection, error) {
	name = models.NormalizeName(name)

	var removed *models.ConfigSection
	_, err := s.Mutate(ctx, func(cfg *models.CcsConfig) error {
		section := cfg.Get(name)
		if section == nil {
			return notFound(name, "delete")
		}
		if cfg.CurrentConfig == name {
			return models.NewError(models.ErrInUse,
				fmt.Sprintf("section %q is the current config; switch away before deleting it", name)).
				WithDetails("section", name).
				On(lock.ResourceProfile, "delete")
		}
		removed = section.Clone()
		cfg.Remove(name)
		if cfg.DefaultConfig == name {
			cfg.DefaultConfig = cfg.CurrentConfig
		}
		cfg.RepairPointers()
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.LogEvent(observability.WithSection(s.logger, name), observability.EventConfigDeleted, nil)
	return removed, nil
}

// Switch makes the named section current and bumps its usage counter. It
// returns the previously current section name.
func (s *Store) Switch(ctx context.Context, name string) (string, error) {
	name = models.NormalizeName(name)

	var previous string
	_, err := s.Mutate(ctx, func(cfg *models.CcsConfig) error {
		section := cfg.Get(name)
		if section == nil {
			return notFound(name, "switch")
		}
		if !section.Enabled {
			return models.NewError(models.ErrDisabled,
				fmt.Sprintf("section %q is disabled", name)).
				WithDetails("section", name).
				On(lock.ResourceProfile, "switch")
		}
		previous = cfg.CurrentConfig
		cfg.CurrentConfig = name
		section.UsageCount++
		return nil
	})
	if err != nil {
		return "", err
	}
	return previous, nil
}

func notFound(name, operation string) error {
	return models.NewError(models.ErrNotFound, fmt.Sprintf("section %q not found", name)).
		WithDetails("section", name).
		On(lock.ResourceProfile, operation)
}
