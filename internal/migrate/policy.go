package migrate

import (
	"strings"

	"github.com/simpleflo/ccswitch/pkg/models"
)

// GroupPolicy decides which unified-layout platform a legacy section lands in.
type GroupPolicy interface {
	Platform(section *models.ConfigSection) string
}

// ProviderTypePolicy groups sections by lowercased provider_type. Groups
// renames a type to another platform; a type it does not mention is its
// own platform. Sections without a provider_type fall into Default.
type ProviderTypePolicy struct {
	Groups  map[string]string
	Default string
}

// NewProviderTypePolicy builds a policy with lowercased group keys.
func NewProviderTypePolicy(groups map[string]string, fallback string) ProviderTypePolicy {
	normalized := make(map[string]string, len(groups))
	for k, v := range groups {
		normalized[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return ProviderTypePolicy{Groups: normalized, Default: fallback}
}

func (p ProviderTypePolicy) Platform(section *models.ConfigSection) string {
	if section == nil {
		return p.Default
	}
	key := strings.ToLower(strings.TrimSpace(section.ProviderType))
	if key == "" {
		return p.Default
	}
	if platform, ok := p.Groups[key]; ok && platform != "" {
		return platform
	}
	if name := platformName(key); name != "" {
		return name
	}
	return p.Default
}

// platformName turns a provider_type into a directory-safe platform name.
// Runs of characters outside [a-z0-9._-] collapse to one dash.
func platformName(key string) string {
	var b strings.Builder
	dash := false
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			dash = false
		case !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-.")
}
