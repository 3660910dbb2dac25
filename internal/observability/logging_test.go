package observability

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeForLog(t *testing.T) {
	in := map[string]interface{}{
		"auth_token":               "sk-secret",
		"env.ANTHROPIC_AUTH_TOKEN": "sk-secret",
		"section":                  "a",
	}

	out := SanitizeForLog(in)

	assert.Equal(t, "[REDACTED]", out["auth_token"])
	assert.Equal(t, "[REDACTED]", out["env.ANTHROPIC_AUTH_TOKEN"])
	assert.Equal(t, "a", out["section"])
	assert.Equal(t, "sk-secret", in["auth_token"], "input must not be mutated")
}

func TestLogEvent_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	SetupLogging("info", "json", &buf)

	LogEvent(Logger("test"), EventConfigAdded, map[string]interface{}{
		"section":    "a",
		"auth_token": "sk-very-secret",
	})

	out := buf.String()
	require.NotEmpty(t, out)
	assert.True(t, strings.Contains(out, `"event":"config_added"`))
	assert.True(t, strings.Contains(out, `"component":"test"`))
	assert.False(t, strings.Contains(out, "sk-very-secret"))
}

func TestIsSensitiveKey(t *testing.T) {
	assert.True(t, IsSensitiveKey("ANTHROPIC_AUTH_TOKEN"))
	assert.True(t, IsSensitiveKey("env.ANTHROPIC_API_KEY"))
	assert.False(t, IsSensitiveKey("env.ANTHROPIC_BASE_URL"))
}
