// Package observability provides logging and metrics for ccswitch.
package observability

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global logger based on the provided settings.
func SetupLogging(level, format string, output io.Writer) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	zerolog.TimeFieldFormat = time.RFC3339

	if format == "console" || format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Caller().Logger()
}

// Logger returns a contextualized logger for a component.
func Logger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithResource adds the locked resource name to logger context.
func WithResource(logger zerolog.Logger, resource string) zerolog.Logger {
	return logger.With().Str("resource", resource).Logger()
}

// WithSection adds a profile section name to logger context.
func WithSection(logger zerolog.Logger, section string) zerolog.Logger {
	return logger.With().Str("section", section).Logger()
}

// WithRequestID adds request ID to logger context.
func WithRequestID(logger zerolog.Logger, requestID string) zerolog.Logger {
	return logger.With().Str("request_id", requestID).Logger()
}

// Event types for structured logging
const (
	EventConfigAdded       = "config_added"
	EventConfigUpdated     = "config_updated"
	EventConfigDeleted     = "config_deleted"
	EventConfigSwitched    = "config_switched"
	EventConfigImported    = "config_imported"
	EventConfigExported    = "config_exported"
	EventSettingsProjected = "settings_projected"
	EventSettingsRestored  = "settings_restored"
	EventBackupCreated     = "backup_created"
	EventBackupsPruned     = "backups_pruned"
	EventHistoryTrimmed    = "history_trimmed"
	EventMigrationDone     = "migration_completed"
	EventLockReclaimed     = "lock_reclaimed"
	EventDaemonStarted     = "daemon_started"
	EventDaemonStopped     = "daemon_stopped"
)

// LogEvent logs a structured event. Fields are sanitized first.
func LogEvent(logger zerolog.Logger, event string, fields map[string]interface{}) {
	e := logger.Info().Str("event", event)
	for k, v := range SanitizeForLog(fields) {
		e = e.Interface(k, v)
	}
	e.Msg("")
}

// LogError logs an error with context.
func LogError(logger zerolog.Logger, err error, message string, fields map[string]interface{}) {
	e := logger.Error().Err(err)
	for k, v := range SanitizeForLog(fields) {
		e = e.Interface(k, v)
	}
	e.Msg(message)
}

var sensitiveKeys = map[string]bool{
	"password":             true,
	"secret":               true,
	"token":                true,
	"api_key":              true,
	"apikey":               true,
	"access_token":         true,
	"auth_token":           true,
	"private_key":          true,
	"credentials":          true,
	"anthropic_auth_token": true,
	"anthropic_api_key":    true,
}

// IsSensitiveKey reports whether values under key must never be logged.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if i := strings.LastIndex(k, "."); i >= 0 {
		k = k[i+1:]
	}
	return sensitiveKeys[k]
}

// SanitizeForLog removes sensitive data from a map before logging.
func SanitizeForLog(data map[string]interface{}) map[string]interface{} {
	sanitized := make(map[string]interface{}, len(data))
	for k, v := range data {
		if IsSensitiveKey(k) {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}
