// Package models contains shared data structures used across ccswitch modules.
package models

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ReservedSettingsName is the table name holding global settings in the
// profile document; no section may use it.
const ReservedSettingsName = "settings"

// ConfigSection is one named provider profile.
type ConfigSection struct {
	Name           string   `json:"name" yaml:"name"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	BaseURL        string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	AuthToken      string   `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	Model          string   `json:"model,omitempty" yaml:"model,omitempty"`
	SmallFastModel string   `json:"small_fast_model,omitempty" yaml:"small_fast_model,omitempty"`
	Provider       string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	ProviderType   string   `json:"provider_type,omitempty" yaml:"provider_type,omitempty"`
	Account        string   `json:"account,omitempty" yaml:"account,omitempty"`
	Tags           []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	UsageCount     int64    `json:"usage_count,omitempty" yaml:"usage_count,omitempty"`
	Enabled        bool     `json:"enabled" yaml:"enabled"`

	// Extra holds keys this version does not know about. They are written
	// back verbatim on every save.
	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// NewSection returns an enabled section with the given name.
func NewSection(name string) *ConfigSection {
	return &ConfigSection{Name: NormalizeName(name), Enabled: true}
}

// Clone returns a deep copy of the section.
func (s *ConfigSection) Clone() *ConfigSection {
	if s == nil {
		return nil
	}
	c := *s
	if s.Tags != nil {
		c.Tags = append([]string(nil), s.Tags...)
	}
	c.Extra = cloneMap(s.Extra)
	return &c
}

// Validate checks the section invariants.
func (s *ConfigSection) Validate() error {
	if s.Name == "" {
		return NewError(ErrValidation, "section name is empty")
	}
	if s.Name == ReservedSettingsName {
		return NewError(ErrValidation, fmt.Sprintf("section name %q is reserved", s.Name)).
			WithDetails("section", s.Name)
	}
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return NewError(ErrValidation, fmt.Sprintf("section %q: base_url %q is not an absolute URL", s.Name, s.BaseURL)).
				WithDetails("section", s.Name).
				WithDetails("field", "base_url")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return NewError(ErrValidation, fmt.Sprintf("section %q: base_url scheme %q is not http(s)", s.Name, u.Scheme)).
				WithDetails("section", s.Name).
				WithDetails("field", "base_url")
		}
	}
	if s.Enabled && strings.TrimSpace(s.AuthToken) == "" {
		return NewError(ErrValidation, fmt.Sprintf("section %q is enabled but has no auth_token", s.Name)).
			WithDetails("section", s.Name).
			WithDetails("field", "auth_token")
	}
	return nil
}

// Redacted returns a copy with the credential masked.
func (s *ConfigSection) Redacted() *ConfigSection {
	c := s.Clone()
	c.AuthToken = MaskSecret(c.AuthToken)
	return c
}

// GlobalSettings is the [settings] table of the profile document.
type GlobalSettings struct {
	// SkipConfirm suppresses interactive confirmation in the CLI.
	SkipConfirm bool `json:"skip_confirm,omitempty" yaml:"skip_confirm,omitempty"`
	// RedactExport masks credentials in exports unless overridden.
	RedactExport bool `json:"redact_export,omitempty" yaml:"redact_export,omitempty"`

	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// IsZero reports whether nothing would be written for the settings table.
func (g GlobalSettings) IsZero() bool {
	return !g.SkipConfirm && !g.RedactExport && len(g.Extra) == 0
}

// CcsConfig is the root profile document.
type CcsConfig struct {
	DefaultConfig string           `json:"default_config" yaml:"default_config"`
	CurrentConfig string           `json:"current_config" yaml:"current_config"`
	Settings      GlobalSettings   `json:"settings" yaml:"settings"`
	Sections      []*ConfigSection `json:"sections" yaml:"sections"`

	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// NewCcsConfig returns an empty document.
func NewCcsConfig() *CcsConfig {
	return &CcsConfig{Sections: []*ConfigSection{}}
}

// Index returns the position of the named section or -1.
func (c *CcsConfig) Index(name string) int {
	name = NormalizeName(name)
	for i, s := range c.Sections {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Get returns the named section or nil.
func (c *CcsConfig) Get(name string) *ConfigSection {
	if i := c.Index(name); i >= 0 {
		return c.Sections[i]
	}
	return nil
}

// Has reports whether the named section exists.
func (c *CcsConfig) Has(name string) bool {
	return c.Index(name) >= 0
}

// Names returns section names in document order.
func (c *CcsConfig) Names() []string {
	names := make([]string, len(c.Sections))
	for i, s := range c.Sections {
		names[i] = s.Name
	}
	return names
}

// Current returns the current section or nil.
func (c *CcsConfig) Current() *ConfigSection {
	if c.CurrentConfig == "" {
		return nil
	}
	return c.Get(c.CurrentConfig)
}

// Put inserts the section, or replaces a section with the same name in place.
func (c *CcsConfig) Put(s *ConfigSection) {
	if i := c.Index(s.Name); i >= 0 {
		c.Sections[i] = s
		return
	}
	c.Sections = append(c.Sections, s)
}

// Remove deletes the named section and reports whether it existed.
func (c *CcsConfig) Remove(name string) bool {
	i := c.Index(name)
	if i < 0 {
		return false
	}
	c.Sections = append(c.Sections[:i], c.Sections[i+1:]...)
	return true
}

// Clone returns a deep copy of the document.
func (c *CcsConfig) Clone() *CcsConfig {
	out := &CcsConfig{
		DefaultConfig: c.DefaultConfig,
		CurrentConfig: c.CurrentConfig,
		Settings: GlobalSettings{
			SkipConfirm:  c.Settings.SkipConfirm,
			RedactExport: c.Settings.RedactExport,
			Extra:        cloneMap(c.Settings.Extra),
		},
		Sections: make([]*ConfigSection, len(c.Sections)),
		Extra:    cloneMap(c.Extra),
	}
	for i, s := range c.Sections {
		out.Sections[i] = s.Clone()
	}
	return out
}

// Redacted returns a copy with every credential masked.
func (c *CcsConfig) Redacted() *CcsConfig {
	out := c.Clone()
	for _, s := range out.Sections {
		s.AuthToken = MaskSecret(s.AuthToken)
	}
	return out
}

// CheckInvariants verifies the pointer invariants: with sections present,
// current_config and default_config each name an existing section; with
// none, both are empty. Section names must be unique.
func (c *CcsConfig) CheckInvariants() error {
	seen := make(map[string]bool, len(c.Sections))
	for _, s := range c.Sections {
		if seen[s.Name] {
			return NewError(ErrValidation, fmt.Sprintf("duplicate section %q", s.Name)).
				WithDetails("section", s.Name)
		}
		seen[s.Name] = true
	}

	if len(c.Sections) == 0 {
		if c.CurrentConfig != "" || c.DefaultConfig != "" {
			return NewError(ErrValidation, "current_config/default_config set on a document without sections")
		}
		return nil
	}
	if !seen[c.CurrentConfig] {
		return NewError(ErrValidation, fmt.Sprintf("current_config %q names no section", c.CurrentConfig)).
			WithDetails("field", "current_config")
	}
	if !seen[c.DefaultConfig] {
		return NewError(ErrValidation, fmt.Sprintf("default_config %q names no section", c.DefaultConfig)).
			WithDetails("field", "default_config")
	}
	return nil
}

// RepairPointers points dangling current/default references at a valid
// section. It never invents sections.
func (c *CcsConfig) RepairPointers() {
	if len(c.Sections) == 0 {
		c.CurrentConfig, c.DefaultConfig = "", ""
		return
	}
	first := c.Sections[0].Name
	if !c.Has(c.CurrentConfig) {
		if c.Has(c.DefaultConfig) {
			c.CurrentConfig = c.DefaultConfig
		} else {
			c.CurrentConfig = first
		}
	}
	if !c.Has(c.DefaultConfig) {
		c.DefaultConfig = c.CurrentConfig
	}
}

// NormalizeName trims and NFC-normalizes a section name.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(vv)
		case []interface{}:
			out[k] = append([]interface{}(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}
