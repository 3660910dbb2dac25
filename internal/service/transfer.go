package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/simpleflo/ccswitch/internal/lock"
	"github.com/simpleflo/ccswitch/internal/observability"
	"github.com/simpleflo/ccswitch/internal/profile"
	"github.com/simpleflo/ccswitch/internal/settings"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// Export and import formats.
const (
	FormatTOML = "toml"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Import modes.
const (
	ImportMerge   = "merge"
	ImportReplace = "replace"
)

// ExportOptions controls ExportConfig.
type ExportOptions struct {
	Format string
	// Redact masks credentials. Nil falls back to [settings] redact_export.
	Redact *bool
}

// ExportConfig serializes the profile document. It takes no lock.
func (s *Service) ExportConfig(ctx context.Context, opts ExportOptions) ([]byte, error) {
	format, err := normalizeFormat(opts.Format)
	if err != nil {
		return nil, err
	}
	cfg, err := s.store().Snapshot()
	if err != nil {
		return nil, err
	}

	redact := cfg.Settings.RedactExport
	if opts.Redact != nil {
		redact = *opts.Redact
	}
	if redact {
		cfg = cfg.Redacted()
	}

	var out []byte
	switch format {
	case FormatTOML:
		out, err = profile.Encode(cfg)
	case FormatJSON:
		out, err = json.MarshalIndent(cfg, "", "  ")
		if err == nil {
			out = append(out, '\n')
		}
	case FormatYAML:
		out, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return nil, models.Wrap(models.ErrInternal, "encode export", err).On(lock.ResourceProfile, "export")
	}

	err = s.history.Append(ctx, &models.HistoryEntry{
		Operation: models.OpExport,
		Actor:     s.cfg.Actor,
		Changes: []models.Change{
			{Key: "format", New: models.StringPtr(format)},
			{Key: "redacted", New: models.StringPtr(fmt.Sprint(redact))},
		},
	})
	s.observe("export", err)
	if err != nil {
		return nil, err
	}

	observability.LogEvent(s.logger, observability.EventConfigExported, map[string]interface{}{
		"format":   format,
		"sections": len(cfg.Sections),
		"redacted": redact,
	})
	return out, nil
}

// ImportOptions controls ImportConfig.
type ImportOptions struct {
	Format string
	// Mode is "merge" (default) or "replace".
	Mode string
}

// ImportResult reports a completed import.
type ImportResult struct {
	Added    []string         `json:"added"`
	Updated  []string         `json:"updated"`
	Removed  []string         `json:"removed"`
	Settings *settings.Result `json:"settings,omitempty"`
}

// ImportConfig loads sections from an exported document. Every incoming
// section is checked before anything is written; one bad section rejects
// the whole import. In merge mode incoming sections replace same-named
// ones and the rest are kept; in replace mode the incoming document
// replaces the sections and settings wholesale.
func (s *Service) ImportConfig(ctx context.Context, data []byte, opts ImportOptions) (*ImportResult, error) {
	res, err := s.importConfig(ctx, data, opts)
	s.observe("import", err)
	return res, err
}

func (s *Service) importConfig(ctx context.Context, data []byte, opts ImportOptions) (*ImportResult, error) {
	format, err := normalizeFormat(opts.Format)
	if err != nil {
		return nil, err
	}
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	if mode == "" {
		mode = ImportMerge
	}
	if mode != ImportMerge && mode != ImportReplace {
		return nil, models.NewError(models.ErrValidation, fmt.Sprintf("unknown import mode %q", opts.Mode)).
			WithDetails("field", "mode")
	}

	incoming, err := decodeImport(format, data)
	if err != nil {
		return nil, err
	}
	if err := checkImport(incoming); err != nil {
		return nil, err
	}

	res := &ImportResult{Added: []string{}, Updated: []string{}, Removed: []string{}}
	err = s.guarded(ctx, both, func(ctx context.Context, store *profile.Store) error {
		var (
			changes    []models.Change
			oldCurrent *models.ConfigSection
			oldName    string
		)
		saved, err := store.Mutate(ctx, func(cfg *models.CcsConfig) error {
			oldName = cfg.CurrentConfig
			oldCurrent = cfg.Current().Clone()
			resolved, err := unmaskImport(cfg, incoming)
			if err != nil {
				return err
			}
			changes = applyImport(cfg, resolved, mode, res)
			return nil
		})
		if err != nil {
			return err
		}

		newCurrent := saved.Current()
		projectionChanged := newCurrent != nil &&
			(saved.CurrentConfig != oldName || len(diffSections(newCurrent.Name, oldCurrent, newCurrent)) > 0)
		if !projectionChanged {
			return s.history.Append(ctx, &models.HistoryEntry{
				Operation:  models.OpImport,
				Actor:      s.cfg.Actor,
				FromConfig: oldName,
				ToConfig:   saved.CurrentConfig,
				Changes:    changes,
			})
		}

		res.Settings, err = s.projector.Apply(ctx, newCurrent, settings.ApplyOptions{
			Operation: models.OpImport,
			Actor:     s.cfg.Actor,
			From:      oldName,
			To:        newCurrent.Name,
			Changes:   changes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	observability.LogEvent(s.logger, observability.EventConfigImported, map[string]interface{}{
		"mode":    mode,
		"added":   len(res.Added),
		"updated": len(res.Updated),
		"removed": len(res.Removed),
	})
	return res, nil
}

// applyImport folds incoming into cfg and returns the per-section changes.
func applyImport(cfg, incoming *models.CcsConfig, mode string, res *ImportResult) []models.Change {
	var changes []models.Change

	if mode == ImportReplace {
		keep := make(map[string]bool, len(incoming.Sections))
		for _, sec := range incoming.Sections {
			keep[sec.Name] = true
		}
		for _, old := range cfg.Sections {
			if !keep[old.Name] {
				res.Removed = append(res.Removed, old.Name)
				changes = append(changes, diffSections(old.Name, old, nil)...)
			}
		}
		previous := cfg.Clone()
		cfg.Sections = []*models.ConfigSection{}
		for _, sec := range incoming.Sections {
			old := previous.Get(sec.Name)
			sec = sec.Clone()
			if old != nil {
				sec.UsageCount = old.UsageCount
				res.Updated = append(res.Updated, sec.Name)
			} else {
				res.Added = append(res.Added, sec.Name)
			}
			changes = append(changes, diffSections(sec.Name, old, sec)...)
			cfg.Sections = append(cfg.Sections, sec)
		}
		cfg.Settings = incoming.Settings
		cfg.CurrentConfig = incoming.CurrentConfig
		cfg.DefaultConfig = incoming.DefaultConfig
		if !cfg.Has(cfg.CurrentConfig) && previous.Current() != nil && cfg.Has(previous.CurrentConfig) {
			cfg.CurrentConfig = previous.CurrentConfig
		}
		cfg.RepairPointers()
		return changes
	}

	empty := len(cfg.Sections) == 0
	for _, sec := range incoming.Sections {
		old := cfg.Get(sec.Name)
		sec = sec.Clone()
		if old != nil {
			sec.UsageCount = old.UsageCount
			res.Updated = append(res.Updated, sec.Name)
		} else {
			res.Added = append(res.Added, sec.Name)
		}
		changes = append(changes, diffSections(sec.Name, old, sec)...)
		cfg.Put(sec)
	}
	if empty {
		cfg.CurrentConfig = incoming.CurrentConfig
		cfg.DefaultConfig = incoming.DefaultConfig
	}
	cfg.RepairPointers()
	return changes
}

// unmaskImport returns incoming with masked credentials, as written by a
// redacted export, swapped back for the stored ones they were made from.
// A masked credential with no matching stored section is rejected.
func unmaskImport(cfg, incoming *models.CcsConfig) (*models.CcsConfig, error) {
	out := incoming.Clone()
	for i, sec := range out.Sections {
		if !models.LooksMasked(sec.AuthToken) {
			continue
		}
		if old := cfg.Get(sec.Name); old != nil && old.AuthToken != "" && models.MaskSecret(old.AuthToken) == sec.AuthToken {
			sec.AuthToken = old.AuthToken
			continue
		}
		return nil, models.NewError(models.ErrValidation,
			fmt.Sprintf("import rejected: section %q has a redacted auth_token", sec.Name)).
			WithDetails("section", sec.Name).
			WithDetails("index", i).
			WithDetails("field", "auth_token").
			On(lock.ResourceProfile, "import")
	}
	return out, nil
}

// checkImport validates every incoming section and rejects duplicates. The
// error names the first offending section.
func checkImport(cfg *models.CcsConfig) error {
	seen := make(map[string]bool, len(cfg.Sections))
	for i, sec := range cfg.Sections {
		if err := sec.Validate(); err != nil {
			ce := models.Wrap(models.ErrValidation,
				fmt.Sprintf("import rejected: section %q is invalid", sec.Name), err).
				WithDetails("section", sec.Name).
				WithDetails("index", i)
			return ce.On(lock.ResourceProfile, "import")
		}
		if seen[sec.Name] {
			return models.NewError(models.ErrValidation,
				fmt.Sprintf("import rejected: section %q appears more than once", sec.Name)).
				WithDetails("section", sec.Name).
				WithDetails("index", i).
				On(lock.ResourceProfile, "import")
		}
		seen[sec.Name] = true
	}
	return nil
}

func normalizeFormat(format string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "", FormatTOML:
		return FormatTOML, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", models.NewError(models.ErrValidation, fmt.Sprintf("unknown format %q", format)).
			WithDetails("field", "format")
	}
}

// decodeImport parses an exported document. TOML goes through the profile
// codec; JSON and YAML follow the export shape, a "sections" list of
// objects each carrying its "name".
func decodeImport(format string, data []byte) (*models.CcsConfig, error) {
	if format == FormatTOML {
		return profile.Decode(data)
	}

	var raw map[string]interface{}
	var err error
	if format == FormatJSON {
		err = json.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, models.Wrap(models.ErrParse, fmt.Sprintf("import document is not valid %s", format), err)
	}
	return documentFromMap(raw)
}

func documentFromMap(raw map[string]interface{}) (*models.CcsConfig, error) {
	cfg := models.NewCcsConfig()
	cfg.DefaultConfig = models.NormalizeName(cast.ToString(raw["default_config"]))
	cfg.CurrentConfig = models.NormalizeName(cast.ToString(raw["current_config"]))

	if v, ok := raw[models.ReservedSettingsName]; ok && v != nil {
		m, err := cast.ToStringMapE(v)
		if err != nil {
			return nil, models.Wrap(models.ErrParse, "import: settings must be an object", err)
		}
		g, err := profile.SettingsFromMap(flattenExtra(m))
		if err != nil {
			return nil, err
		}
		cfg.Settings = g
	}

	if v, ok := raw["sections"]; ok && v != nil {
		items, err := cast.ToSliceE(v)
		if err != nil {
			return nil, models.Wrap(models.ErrParse, "import: sections must be a list", err)
		}
		for i, item := range items {
			m, err := cast.ToStringMapE(item)
			if err != nil {
				return nil, models.Wrap(models.ErrParse, fmt.Sprintf("import: section %d is not an object", i), err).
					WithDetails("index", i)
			}
			m = flattenExtra(m)
			name := cast.ToString(m["name"])
			delete(m, "name")
			sec, err := profile.SectionFromMap(name, m)
			if err != nil {
				return nil, err
			}
			cfg.Sections = append(cfg.Sections, sec)
		}
	}

	if v, ok := raw["extra"]; ok && v != nil {
		if m, err := cast.ToStringMapE(v); err == nil {
			cfg.Extra = m
		}
	}
	return cfg, nil
}

// flattenExtra lifts an exported "extra" object back to the top level of m.
// Known keys win over extras of the same name.
func flattenExtra(m map[string]interface{}) map[string]interface{} {
	v, ok := m["extra"]
	if !ok {
		return m
	}
	out := make(map[string]interface{}, len(m))
	if extra, err := cast.ToStringMapE(v); err == nil {
		for k, ev := range extra {
			out[k] = ev
		}
	}
	for k, mv := range m {
		if k != "extra" {
			out[k] = mv
		}
	}
	return out
}

// ValidationIssue is one problem found by ValidateAll.
type ValidationIssue struct {
	Section string           `json:"section,omitempty"`
	Code    models.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// ValidationReport is the read-only result of ValidateAll.
type ValidationReport struct {
	Valid    bool              `json:"valid"`
	Sections int               `json:"sections"`
	Issues   []ValidationIssue `json:"issues"`
}

// ValidateAll checks every section and the document pointers. It takes no
// lock and writes nothing.
func (s *Service) ValidateAll() (*ValidationReport, error) {
	cfg, err := s.store().Snapshot()
	if err != nil {
		return nil, err
	}

	report := &ValidationReport{Sections: len(cfg.Sections), Issues: []ValidationIssue{}}
	for _, sec := range cfg.Sections {
		if err := sec.Validate(); err != nil {
			report.Issues = append(report.Issues, issue(sec.Name, err))
		}
	}
	if err := cfg.CheckInvariants(); err != nil {
		report.Issues = append(report.Issues, issue("", err))
	}
	report.Valid = len(report.Issues) == 0
	return report, nil
}

func issue(section string, err error) ValidationIssue {
	msg := err.Error()
	if ce, ok := err.(*models.CcsError); ok {
		msg = ce.Message
	}
	return ValidationIssue{Section: section, Code: models.CodeOf(err), Message: msg}
}
