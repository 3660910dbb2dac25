package profile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cast"

	"github.com/simpleflo/ccswitch/internal/fileutil"
	"github.com/simpleflo/ccswitch/pkg/models"
)

const (
	// RootFileName is the unified root document and the unified-layout marker.
	RootFileName = "config.toml"
	// ProfilesFileName is the per-platform profile document.
	ProfilesFileName = "profiles.toml"
	platformsDir     = "platforms"

	keyDefaultPlatform = "default_platform"
	keyCurrentPlatform = "current_platform"
	keyPlatforms       = "platforms"
	keyCurrentProfile  = "current_profile"
	keyLastUsed        = "last_used"
)

// PlatformEntry is one registry entry in the root document.
type PlatformEntry struct {
	Enabled        bool      `json:"enabled"`
	CurrentProfile string    `json:"current_profile,omitempty"`
	Description    string    `json:"description,omitempty"`
	LastUsed       time.Time `json:"last_used,omitempty"`

	Extra map[string]interface{} `json:"-"`
}

// RootDocument is the unified root pointer file.
type RootDocument struct {
	DefaultPlatform string                    `json:"default_platform,omitempty"`
	CurrentPlatform string                    `json:"current_platform,omitempty"`
	Platforms       map[string]*PlatformEntry `json:"platforms"`

	Extra map[string]interface{} `json:"-"`
}

// NewRootDocument returns an empty root document.
func NewRootDocument() *RootDocument {
	return &RootDocument{Platforms: make(map[string]*PlatformEntry)}
}

// Entry returns the registry entry for platform, creating an enabled one.
func (r *RootDocument) Entry(platform string) *PlatformEntry {
	e, ok := r.Platforms[platform]
	if !ok {
		e = &PlatformEntry{Enabled: true}
		r.Platforms[platform] = e
	}
	return e
}

// PlatformNames returns registered platforms sorted by name.
func (r *RootDocument) PlatformNames() []string {
	names := make([]string, 0, len(r.Platforms))
	for name := range r.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnifiedLayout keeps one profile document per platform under a root
// directory, with a root pointer file naming the active platform.
type UnifiedLayout struct {
	root     string
	fallback string
	platform string
}

// NewUnifiedLayout returns the unified layout under root. fallback is the
// platform used when the root document names none.
func NewUnifiedLayout(root, fallback string) *UnifiedLayout {
	return &UnifiedLayout{root: root, fallback: fallback}
}

// ForPlatform returns a layout pinned to platform regardless of the root
// document's current_platform.
func (u *UnifiedLayout) ForPlatform(platform string) *UnifiedLayout {
	return &UnifiedLayout{root: u.root, fallback: u.fallback, platform: platform}
}

func (u *UnifiedLayout) Kind() Kind { return KindUnified }

// Root returns the root directory.
func (u *UnifiedLayout) Root() string { return u.root }

// RootPath returns the root document path.
func (u *UnifiedLayout) RootPath() string { return filepath.Join(u.root, RootFileName) }

// ProfilesPath returns the profile document of platform.
func (u *UnifiedLayout) ProfilesPath(platform string) string {
	return filepath.Join(u.root, platformsDir, platform, ProfilesFileName)
}

// Exists reports whether the root document is present.
func (u *UnifiedLayout) Exists() bool { return fileutil.FileExists(u.RootPath()) }

// Path returns the active platform's profile document. If the root
// document cannot be read it falls back to the fallback platform.
func (u *UnifiedLayout) Path() string {
	platform, err := u.Platform()
	if err != nil {
		platform = u.fallback
	}
	return u.ProfilesPath(platform)
}

// Platform resolves the active platform: pinned, then current_platform,
// then default_platform, then the fallback.
func (u *UnifiedLayout) Platform() (string, error) {
	if u.platform != "" {
		return u.platform, nil
	}
	root, err := u.LoadRoot()
	if err != nil {
		return "", err
	}
	switch {
	case root.CurrentPlatform != "":
		return root.CurrentPlatform, nil
	case root.DefaultPlatform != "":
		return root.DefaultPlatform, nil
	}
	return u.fallback, nil
}

// Load reads the active platform's profiles.
func (u *UnifiedLayout) Load() (*models.CcsConfig, error) {
	platform, err := u.Platform()
	if err != nil {
		return nil, err
	}
	return readDocument(u.ProfilesPath(platform))
}

// Save writes the active platform's profiles and then records the platform's
// current profile in the root registry.
func (u *UnifiedLayout) Save(cfg *models.CcsConfig) error {
	platform, err := u.Platform()
	if err != nil {
		return err
	}
	if err := u.WritePlatform(platform, cfg); err != nil {
		return err
	}

	root, err := u.LoadRoot()
	if err != nil {
		return err
	}
	entry := root.Entry(platform)
	entry.CurrentProfile = cfg.CurrentConfig
	entry.LastUsed = time.Now().UTC().Truncate(time.Second)
	if root.CurrentPlatform == "" {
		root.CurrentPlatform = platform
	}
	if root.DefaultPlatform == "" {
		root.DefaultPlatform = platform
	}
	return u.SaveRoot(root)
}

// LoadPlatform reads one platform's profiles.
func (u *UnifiedLayout) LoadPlatform(platform string) (*models.CcsConfig, error) {
	return readDocument(u.ProfilesPath(platform))
}

// WritePlatform writes one platform's profiles without touching the root.
func (u *UnifiedLayout) WritePlatform(platform string, cfg *models.CcsConfig) error {
	if err := fileutil.EnsureDir(filepath.Dir(u.ProfilesPath(platform))); err != nil {
		return models.Wrap(models.ErrInternal, "create platform directory", err).
			WithDetails("platform", platform)
	}
	return writeDocument(u.ProfilesPath(platform), cfg)
}

// LoadRoot reads the root document. A missing file is an empty document.
func (u *UnifiedLayout) LoadRoot() (*RootDocument, error) {
	data, err := os.ReadFile(u.RootPath())
	if os.IsNotExist(err) {
		return NewRootDocument(), nil
	}
	if err != nil {
		return nil, models.Wrap(models.ErrInternal, "read root document", err).
			WithDetails("path", u.RootPath())
	}
	root, err := DecodeRoot(data)
	if err != nil {
		if ce, ok := err.(*models.CcsError); ok {
			ce.WithDetails("path", u.RootPath())
		}
		return nil, err
	}
	return root, nil
}

// SaveRoot writes the root document atomically.
func (u *UnifiedLayout) SaveRoot(root *RootDocument) error {
	data, err := EncodeRoot(root)
	if err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(u.RootPath(), data, 0600); err != nil {
		return models.Wrap(models.ErrInternal, "write root document", err).
			WithDetails("path", u.RootPath())
	}
	return nil
}

// DecodeRoot parses a root document.
func DecodeRoot(data []byte) (*RootDocument, error) {
	root := NewRootDocument()
	if len(bytes.TrimSpace(data)) == 0 {
		return root, nil
	}

	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, models.Wrap(models.ErrParse, "root document is not valid TOML", err)
	}

	for key, value := range raw {
		switch key {
		case keyDefaultPlatform:
			root.DefaultPlatform = cast.ToString(value)
		case keyCurrentPlatform:
			root.CurrentPlatform = cast.ToString(value)
		case keyPlatforms:
			platforms, ok := value.(map[string]interface{})
			if !ok {
				return nil, models.NewError(models.ErrParse, "[platforms] must be a table")
			}
			for name, v := range platforms {
				m, ok := v.(map[string]interface{})
				if !ok {
					return nil, models.NewError(models.ErrParse,
						fmt.Sprintf("[platforms.%s] must be a table", name)).
						WithDetails("platform", name)
				}
				entry, err := decodePlatform(name, m)
				if err != nil {
					return nil, err
				}
				root.Platforms[name] = entry
			}
		default:
			if root.Extra == nil {
				root.Extra = make(map[string]interface{})
			}
			root.Extra[key] = value
		}
	}
	return root, nil
}

func decodePlatform(name string, m map[string]interface{}) (*PlatformEntry, error) {
	e := &PlatformEntry{Enabled: true}
	for key, value := range m {
		var err error
		switch key {
		case keyEnabled:
			e.Enabled, err = cast.ToBoolE(value)
		case keyCurrentProfile:
			e.CurrentProfile, err = cast.ToStringE(value)
		case keyDescription:
			e.Description, err = cast.ToStringE(value)
		case keyLastUsed:
			e.LastUsed, err = cast.ToTimeE(value)
		default:
			if e.Extra == nil {
				e.Extra = make(map[string]interface{})
			}
			e.Extra[key] = value
		}
		if err != nil {
			return nil, models.Wrap(models.ErrParse,
				fmt.Sprintf("platform %q: %s has the wrong type", name, key), err).
				WithDetails("platform", name).
				WithDetails("field", key)
		}
	}
	return e, nil
}

// EncodeRoot renders a root document deterministically.
func EncodeRoot(root *RootDocument) ([]byte, error) {
	doc := make(map[string]interface{}, len(root.Extra)+3)
	for k, v := range root.Extra {
		doc[k] = v
	}
	if root.DefaultPlatform != "" {
		doc[keyDefaultPlatform] = root.DefaultPlatform
	}
	if root.CurrentPlatform != "" {
		doc[keyCurrentPlatform] = root.CurrentPlatform
	}

	platforms := make(map[string]interface{}, len(root.Platforms))
	for name, e := range root.Platforms {
		m := make(map[string]interface{}, len(e.Extra)+4)
		for k, v := range e.Extra {
			m[k] = v
		}
		m[keyEnabled] = e.Enabled
		if e.CurrentProfile != "" {
			m[keyCurrentProfile] = e.CurrentProfile
		}
		if e.Description != "" {
			m[keyDescription] = e.Description
		}
		if !e.LastUsed.IsZero() {
			m[keyLastUsed] = e.LastUsed.UTC()
		}
		platforms[name] = m
	}
	if len(platforms) > 0 {
		doc[keyPlatforms] = platforms
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode root document: %w", err)
	}
	return data, nil
}
