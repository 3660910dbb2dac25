package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/simpleflo/ccswitch/pkg/models"
)

// sectionValues flattens the recorded fields of a section.
func sectionValues(s *models.ConfigSection) map[string]string {
	if s == nil {
		return nil
	}
	return map[string]string{
		"description":      s.Description,
		"base_url":         s.BaseURL,
		"auth_token":       s.AuthToken,
		"model":            s.Model,
		"small_fast_model": s.SmallFastModel,
		"provider":         s.Provider,
		"provider_type":    s.ProviderType,
		"account":          s.Account,
		"tags":             strings.Join(s.Tags, ","),
		"enabled":          strconv.FormatBool(s.Enabled),
	}
}

var fieldOrder = []string{
	"description", "base_url", "auth_token", "model", "small_fast_model",
	"provider", "provider_type", "account", "tags", "enabled",
}

// diffSections lists the fields that differ between old and updated, keyed
// as "<section>.<field>". A nil side records an add or a delete. Credentials
// are compared in full and recorded masked.
func diffSections(name string, old, updated *models.ConfigSection) []models.Change {
	before, after := sectionValues(old), sectionValues(updated)
	changes := []models.Change{}
	for _, field := range fieldOrder {
		o, hadOld := before[field]
		n, hasNew := after[field]
		if hadOld && o == "" {
			hadOld = false
		}
		if hasNew && n == "" {
			hasNew = false
		}
		if hadOld == hasNew && o == n {
			continue
		}
		c := models.Change{Key: fmt.Sprintf("%s.%s", name, field)}
		if field == "auth_token" {
			o, n = models.MaskSecret(o), models.MaskSecret(n)
		}
		if hadOld {
			c.Old = models.StringPtr(o)
		}
		if hasNew {
			c.New = models.StringPtr(n)
		}
		changes = append(changes, c)
	}
	return changes
}
