package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/simpleflo/ccswitch/internal/service"
	"github.com/simpleflo/ccswitch/pkg/models"
)

func TestFormatFromPath(t *testing.T) {
	cases := map[string]string{
		"backup.json":       service.FormatJSON,
		"backup.YAML":       service.FormatYAML,
		"backup.yml":        service.FormatYAML,
		"dir/profiles.toml": service.FormatTOML,
		"profiles":          "",
	}
	for path, want := range cases {
		assert.Equal(t, want, formatFromPath(path), path)
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "plain", describe(errors.New("plain")))

	err := models.NewError(models.ErrNotFound, `section "x" not found`)
	assert.Equal(t, `section "x" not found (E_NOT_FOUND)`, describe(err))

	wrapped := fmt.Errorf("switch: %w", models.Wrap(models.ErrParse, "decode profiles", errors.New("bad toml")))
	assert.Equal(t, "decode profiles: bad toml (E_PARSE)", describe(wrapped))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
