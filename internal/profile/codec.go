package profile

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pelletier/go-toml/v2/unstable"
	"github.com/spf13/cast"

	"github.com/simpleflo/ccswitch/pkg/models"
)

// Document keys with a fixed meaning. Anything else is carried in Extra.
const (
	keyDefaultConfig = "default_config"
	keyCurrentConfig = "current_config"

	keySkipConfirm  = "skip_confirm"
	keyRedactExport = "redact_export"

	keyDescription    = "description"
	keyBaseURL        = "base_url"
	keyAuthToken      = "auth_token"
	keyModel          = "model"
	keySmallFastModel = "small_fast_model"
	keyProvider       = "provider"
	keyProviderType   = "provider_type"
	keyAccount        = "account"
	keyTags           = "tags"
	keyUsageCount     = "usage_count"
	keyEnabled        = "enabled"
)

// Decode parses a profile document. Malformed content yields E_PARSE.
func Decode(data []byte) (*models.CcsConfig, error) {
	cfg := models.NewCcsConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, models.Wrap(models.ErrParse, "profile document is not valid TOML", err)
	}

	order, err := tableOrder(data)
	if err != nil {
		return nil, models.Wrap(models.ErrParse, "profile document is not valid TOML", err)
	}

	for key, value := range raw {
		switch key {
		case keyDefaultConfig:
			cfg.DefaultConfig = models.NormalizeName(cast.ToString(value))
		case keyCurrentConfig:
			cfg.CurrentConfig = models.NormalizeName(cast.ToString(value))
		case models.ReservedSettingsName:
			m, ok := value.(map[string]interface{})
			if !ok {
				return nil, models.NewError(models.ErrParse, "[settings] must be a table")
			}
			settings, err := SettingsFromMap(m)
			if err != nil {
				return nil, err
			}
			cfg.Settings = settings
		default:
			if _, ok := value.(map[string]interface{}); !ok {
				if cfg.Extra == nil {
					cfg.Extra = make(map[string]interface{})
				}
				cfg.Extra[key] = value
			}
		}
	}

	// Tables appear in file order; anything the scan missed follows sorted.
	seen := make(map[string]bool)
	var names []string
	for _, name := range order {
		if _, ok := raw[name].(map[string]interface{}); ok && name != models.ReservedSettingsName && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	var rest []string
	for key, value := range raw {
		if _, ok := value.(map[string]interface{}); ok && key != models.ReservedSettingsName && !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	for _, name := range names {
		section, err := SectionFromMap(name, raw[name].(map[string]interface{}))
		if err != nil {
			return nil, err
		}
		if cfg.Has(section.Name) {
			return nil, models.NewError(models.ErrParse,
				fmt.Sprintf("section %q appears twice after normalization", section.Name)).
				WithDetails("section", section.Name)
		}
		cfg.Sections = append(cfg.Sections, section)
	}

	return cfg, nil
}

// tableOrder returns top-level table names in the order they first appear.
func tableOrder(data []byte) ([]string, error) {
	p := unstable.Parser{}
	p.Reset(data)

	var names []string
	inRoot := true
	for p.NextExpression() {
		e := p.Expression()
		switch e.Kind {
		case unstable.Table, unstable.ArrayTable:
			inRoot = false
			it := e.Key()
			if it.Next() {
				names = append(names, string(it.Node().Data))
			}
		case unstable.KeyValue:
			// Dotted keys before the first header ("a.model = ...") also
			// define a table.
			if !inRoot {
				continue
			}
			it := e.Key()
			if it.Next() {
				first := string(it.Node().Data)
				if it.Next() {
					names = append(names, first)
				}
			}
		}
	}
	return names, p.Error()
}

// SettingsFromMap decodes a [settings] table.
func SettingsFromMap(m map[string]interface{}) (models.GlobalSettings, error) {
	var g models.GlobalSettings
	for key, value := range m {
		var err error
		switch key {
		case keySkipConfirm:
			g.SkipConfirm, err = cast.ToBoolE(value)
		case keyRedactExport:
			g.RedactExport, err = cast.ToBoolE(value)
		default:
			if g.Extra == nil {
				g.Extra = make(map[string]interface{})
			}
			g.Extra[key] = value
		}
		if err != nil {
			return g, models.Wrap(models.ErrParse, fmt.Sprintf("[settings] %s has the wrong type", key), err).
				WithDetails("field", key)
		}
	}
	return g, nil
}

// SectionFromMap decodes one section table. Unknown keys land in Extra.
func SectionFromMap(name string, m map[string]interface{}) (*models.ConfigSection, error) {
	s := models.NewSection(name)
	for key, value := range m {
		var err error
		switch key {
		case keyDescription:
			s.Description, err = cast.ToStringE(value)
		case keyBaseURL:
			s.BaseURL, err = cast.ToStringE(value)
		case keyAuthToken:
			s.AuthToken, err = cast.ToStringE(value)
		case keyModel:
			s.Model, err = cast.ToStringE(value)
		case keySmallFastModel:
			s.SmallFastModel, err = cast.ToStringE(value)
		case keyProvider:
			s.Provider, err = cast.ToStringE(value)
		case keyProviderType:
			s.ProviderType, err = cast.ToStringE(value)
		case keyAccount:
			s.Account, err = cast.ToStringE(value)
		case keyTags:
			s.Tags, err = cast.ToStringSliceE(value)
		case keyUsageCount:
			s.UsageCount, err = cast.ToInt64E(value)
		case keyEnabled:
			s.Enabled, err = cast.ToBoolE(value)
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]interface{})
			}
			s.Extra[key] = value
		}
		if err != nil {
			return nil, models.Wrap(models.ErrParse,
				fmt.Sprintf("section %q: %s has the wrong type", name, key), err).
				WithDetails("section", name).
				WithDetails("field", key)
		}
	}
	return s, nil
}

// Encode renders a profile document. Output depends only on cfg, so
// Encode(Decode(Encode(cfg))) equals Encode(cfg).
func Encode(cfg *models.CcsConfig) ([]byte, error) {
	var buf bytes.Buffer

	top := make(map[string]interface{}, len(cfg.Extra)+2)
	for k, v := range cfg.Extra {
		top[k] = v
	}
	if cfg.DefaultConfig != "" {
		top[keyDefaultConfig] = cfg.DefaultConfig
	}
	if cfg.CurrentConfig != "" {
		top[keyCurrentConfig] = cfg.CurrentConfig
	}
	if err := appendBlock(&buf, top); err != nil {
		return nil, err
	}

	if !cfg.Settings.IsZero() {
		settings := make(map[string]interface{}, len(cfg.Settings.Extra)+2)
		for k, v := range cfg.Settings.Extra {
			settings[k] = v
		}
		if cfg.Settings.SkipConfirm {
			settings[keySkipConfirm] = true
		}
		if cfg.Settings.RedactExport {
			settings[keyRedactExport] = true
		}
		if err := appendBlock(&buf, map[string]interface{}{models.ReservedSettingsName: settings}); err != nil {
			return nil, err
		}
	}

	for _, s := range cfg.Sections {
		fields := sectionFields(s)
		if len(fields) == 0 {
			header, err := tableHeader(s.Name)
			if err != nil {
				return nil, err
			}
			separate(&buf)
			buf.WriteString(header)
			continue
		}
		if err := appendBlock(&buf, map[string]interface{}{s.Name: fields}); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func sectionFields(s *models.ConfigSection) map[string]interface{} {
	m := make(map[string]interface{}, len(s.Extra)+11)
	for k, v := range s.Extra {
		m[k] = v
	}
	put := func(key, value string) {
		if value != "" {
			m[key] = value
		}
	}
	put(keyDescription, s.Description)
	put(keyBaseURL, s.BaseURL)
	put(keyAuthToken, s.AuthToken)
	put(keyModel, s.Model)
	put(keySmallFastModel, s.SmallFastModel)
	put(keyProvider, s.Provider)
	put(keyProviderType, s.ProviderType)
	put(keyAccount, s.Account)
	if len(s.Tags) > 0 {
		m[keyTags] = s.Tags
	}
	if s.UsageCount > 0 {
		m[keyUsageCount] = s.UsageCount
	}
	// Absent means enabled.
	if !s.Enabled {
		m[keyEnabled] = false
	}
	return m
}

func appendBlock(buf *bytes.Buffer, v map[string]interface{}) error {
	if len(v) == 0 {
		return nil
	}
	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode profile document: %w", err)
	}
	separate(buf)
	buf.Write(data)
	return nil
}

func separate(buf *bytes.Buffer) {
	if buf.Len() > 0 {
		buf.WriteByte('\n')
	}
}

// tableHeader renders "[name]" with the key quoted when it is not bare.
func tableHeader(name string) (string, error) {
	data, err := toml.Marshal(map[string]int{name: 0})
	if err != nil {
		return "", fmt.Errorf("encode section name %q: %w", name, err)
	}
	key := strings.TrimSuffix(strings.TrimSpace(string(data)), "= 0")
	return "[" + strings.TrimSpace(key) + "]\n", nil
}
