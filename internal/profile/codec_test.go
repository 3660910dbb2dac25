package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simpleflo/ccswitch/pkg/models"
)

const sampleDocument = `default_config = "work"
current_config = "personal"
schema_hint = 2

[settings]
skip_confirm = true
theme = "dark"

[work]
description = "Work account"
base_url = "https://api.example.com"
auth_token = "sk-work-0123456789"
model = "opus"
provider_type = "Anthropic"
tags = ["team", "paid"]
usage_count = 7
proxy = "http://proxy.local:3128"

[work.headers]
x-trace = "on"

[personal]
base_url = "https://api.other.dev"
auth_token = "sk-personal-abcdef"
enabled = true

["zeta beta"]
auth_token = "tok-zz"
enabled = false
`

func TestDecode(t *testing.T) {
	cfg, err := Decode([]byte(sampleDocument))
	require.NoError(t, err)

	assert.Equal(t, "work", cfg.DefaultConfig)
	assert.Equal(t, "personal", cfg.CurrentConfig)
	assert.Equal(t, []string{"work", "personal", "zeta beta"}, cfg.Names())
	assert.True(t, cfg.Settings.SkipConfirm)
	assert.Equal(t, "dark", cfg.Settings.Extra["theme"])
	assert.EqualValues(t, 2, cfg.Extra["schema_hint"])

	work := cfg.Get("work")
	require.NotNil(t, work)
	assert.Equal(t, "Work account", work.Description)
	assert.Equal(t, "opus", work.Model)
	assert.Equal(t, []string{"team", "paid"}, work.Tags)
	assert.EqualValues(t, 7, work.UsageCount)
	assert.True(t, work.Enabled, "absent enabled means enabled")
	assert.Equal(t, "http://proxy.local:3128", work.Extra["proxy"])
	assert.Contains(t, work.Extra, "headers")

	assert.False(t, cfg.Get("zeta beta").Enabled)
	require.NoError(t, cfg.CheckInvariants())
}

func TestRoundTrip_ByteIdentical(t *testing.T) {
	cfg, err := Decode([]byte(sampleDocument))
	require.NoError(t, err)

	first, err := Encode(cfg)
	require.NoError(t, err)

	again, err := Decode(first)
	require.NoError(t, err)
	second, err := Encode(again)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Equal(t, cfg.Names(), again.Names())
	assert.Equal(t, cfg.Get("work").Extra["proxy"], again.Get("work").Extra["proxy"])
}

func TestRoundTrip_BuiltDocument(t *testing.T) {
	cfg := models.NewCcsConfig()
	for _, name := range []string{"b", "a", "c d"} {
		s := models.NewSection(name)
		s.AuthToken = "token-" + name
		cfg.Sections = append(cfg.Sections, s)
	}
	bare := models.NewSection("bare")
	bare.Enabled = true
	cfg.Sections = append(cfg.Sections, bare)
	cfg.CurrentConfig, cfg.DefaultConfig = "a", "b"

	first, err := Encode(cfg)
	require.NoError(t, err)
	decoded, err := Decode(first)
	require.NoError(t, err)
	second, err := Encode(decoded)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"b", "a", "c d", "bare"}, decoded.Names())
}

func TestEncode_EmptyDocument(t *testing.T) {
	data, err := Encode(models.NewCcsConfig())
	require.NoError(t, err)
	assert.Empty(t, data)

	cfg, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, cfg.Sections)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"syntax", "[broken\nkey = "},
		{"settings not a table", "settings = 3\n"},
		{"wrong field type", "[a]\nusage_count = \"many\"\n"},
		{"duplicate table", "[a]\nauth_token = \"x\"\n[a]\nauth_token = \"y\"\n"},
		{"duplicate after normalization", "[\"caf\\u00e9\"]\nauth_token = \"x\"\n[\"cafe\\u0301\"]\nauth_token = \"y\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, models.IsCode(err, models.ErrParse), "got %v", err)
		})
	}
}

func TestDecode_DottedKeysDefineSections(t *testing.T) {
	doc := "current_config = \"x\"\ndefault_config = \"x\"\nx.auth_token = \"t\"\n\n[y]\nauth_token = \"u\"\n"
	cfg, err := Decode([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, cfg.Names())
}

func TestTableHeader(t *testing.T) {
	h, err := tableHeader("plain_name-1")
	require.NoError(t, err)
	assert.Equal(t, "[plain_name-1]\n", h)

	h, err = tableHeader("with space")
	require.NoError(t, err)
	assert.Contains(t, h, "with space")
	assert.NotEqual(t, "[with space]\n", h)
}
