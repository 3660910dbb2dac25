package models

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestConfigSection_Validate(t *testing.T) {
	tests := []struct {
		name    string
		section ConfigSection
		wantErr bool
	}{
		{"valid", ConfigSection{Name: "a", BaseURL: "https://x.com", AuthToken: "t1", Enabled: true}, false},
		{"no base url", ConfigSection{Name: "a", AuthToken: "t1", Enabled: true}, false},
		{"disabled without token", ConfigSection{Name: "a", Enabled: false}, false},
		{"enabled without token", ConfigSection{Name: "a", Enabled: true}, true},
		{"relative url", ConfigSection{Name: "a", BaseURL: "/v1", AuthToken: "t", Enabled: true}, true},
		{"ftp url", ConfigSection{Name: "a", BaseURL: "ftp://x.com", AuthToken: "t", Enabled: true}, true},
		{"empty name", ConfigSection{AuthToken: "t", Enabled: true}, true},
		{"reserved name", ConfigSection{Name: "settings", AuthToken: "t", Enabled: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.section.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsCode(err, ErrValidation) {
				t.Errorf("expected E_VALIDATION, got %v", err)
			}
		})
	}
}

func TestCcsConfig_CheckInvariants(t *testing.T) {
	cfg := NewCcsConfig()
	if err := cfg.CheckInvariants(); err != nil {
		t.Fatalf("empty config should be valid: %v", err)
	}

	cfg.Put(&ConfigSection{Name: "a", AuthToken: "t", Enabled: true})
	if err := cfg.CheckInvariants(); err == nil {
		t.Error("dangling pointers should be rejected")
	}

	cfg.RepairPointers()
	if cfg.CurrentConfig != "a" || cfg.DefaultConfig != "a" {
		t.Errorf("RepairPointers: got current=%q default=%q", cfg.CurrentConfig, cfg.DefaultConfig)
	}
	if err := cfg.CheckInvariants(); err != nil {
		t.Errorf("repaired config should be valid: %v", err)
	}

	cfg.Sections = append(cfg.Sections, &ConfigSection{Name: "a"})
	if err := cfg.CheckInvariants(); err == nil {
		t.Error("duplicate names should be rejected")
	}
}

func TestCcsConfig_PutKeepsOrder(t *testing.T) {
	cfg := NewCcsConfig()
	cfg.Put(&ConfigSection{Name: "b"})
	cfg.Put(&ConfigSection{Name: "a"})
	cfg.Put(&ConfigSection{Name: "b", Model: "m"})

	names := cfg.Names()
	if strings.Join(names, ",") != "b,a" {
		t.Errorf("order mismatch: %v", names)
	}
	if cfg.Get("b").Model != "m" {
		t.Error("Put should replace in place")
	}
}

func TestCcsConfig_CloneIsDeep(t *testing.T) {
	cfg := NewCcsConfig()
	cfg.Put(&ConfigSection{Name: "a", Tags: []string{"x"}, Extra: map[string]interface{}{"k": "v"}})

	c := cfg.Clone()
	c.Sections[0].Tags[0] = "y"
	c.Sections[0].Extra["k"] = "changed"

	if cfg.Sections[0].Tags[0] != "x" || cfg.Sections[0].Extra["k"] != "v" {
		t.Error("Clone should not share slices or maps")
	}
}

func TestNormalizeName(t *testing.T) {
	// "é" composed vs decomposed
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	if NormalizeName(decomposed) != composed {
		t.Error("names should normalize to NFC")
	}
	if NormalizeName("  a ") != "a" {
		t.Error("names should be trimmed")
	}
}

func TestMaskSecret(t *testing.T) {
	if MaskSecret("") != "" {
		t.Error("empty stays empty")
	}
	if got := MaskSecret("t1"); got != "**" {
		t.Errorf("short secret: got %q", got)
	}
	got := MaskSecret("sk-ant-1234567890abcdef")
	if strings.Contains(got, "1234567890") {
		t.Errorf("secret leaked: %q", got)
	}
	if !strings.HasPrefix(got, "sk-a") || !strings.HasSuffix(got, "cdef") {
		t.Errorf("unexpected mask: %q", got)
	}
}

func TestMaskSecret_MultiByte(t *testing.T) {
	got := MaskSecret("ключ-секрет-токен")
	if !utf8.ValidString(got) {
		t.Fatalf("mask produced invalid UTF-8: %q", got)
	}
	if got != "ключ****окен" {
		t.Errorf("MaskSecret = %q", got)
	}
	if got := MaskSecret("пароль12345"); got != "па****45" {
		t.Errorf("MaskSecret = %q", got)
	}
}

func TestLooksMasked(t *testing.T) {
	for _, s := range []string{"**", "sk-a****cdef", MaskSecret("sk-ant-1234567890abcdef")} {
		if !LooksMasked(s) {
			t.Errorf("LooksMasked(%q) = false", s)
		}
	}
	for _, s := range []string{"", "sk-ant-1234567890abcdef", "a*b"} {
		if LooksMasked(s) {
			t.Errorf("LooksMasked(%q) = true", s)
		}
	}
}

func TestMigrationStatus_ShouldMigrate(t *testing.T) {
	s := MigrationStatus{LegacyConfigExists: true, LegacySectionCount: 2}
	if !s.ShouldMigrate() {
		t.Error("legacy with sections and no unified root should migrate")
	}
	s.UnifiedConfigPath = "/x/config.toml"
	if s.ShouldMigrate() {
		t.Error("existing unified root should block migration")
	}
	s = MigrationStatus{LegacyConfigExists: true}
	if s.ShouldMigrate() {
		t.Error("empty legacy document should not migrate")
	}
}
