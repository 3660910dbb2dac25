package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/simpleflo/ccswitch/internal/config"
	"github.com/simpleflo/ccswitch/pkg/models"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.LegacyConfigPath = filepath.Join(dir, ".ccs_config.toml")
	cfg.SettingsPath = filepath.Join(dir, ".claude", "settings.json")
	cfg.API.SocketPath = filepath.Join(dir, "ccs.sock")
	cfg.Actor = "tester"
	cfg.Lock.MaxWait = 5 * time.Second

	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func do(t *testing.T, d *Daemon, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return gjson.Get(rec.Body.String(), "error.code").String()
}

func TestHealth(t *testing.T) {
	d := newTestDaemon(t)

	rec := do(t, d, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", gjson.Get(rec.Body.String(), "status").String())

	rec = do(t, d, http.MethodGet, "/api/v1/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before Run")
}

func TestConfigLifecycle(t *testing.T) {
	d := newTestDaemon(t)
	_, events := d.eventBus.Subscribe()

	rec := do(t, d, http.MethodPost, "/api/v1/configs", `{"name":"a","base_url":"https://x.com","auth_token":"sk-ant-0123456789abcdef"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, gjson.Get(rec.Body.String(), "enabled").Bool(), "enabled unless the body says otherwise")
	assert.NotContains(t, rec.Body.String(), "0123456789")

	rec = do(t, d, http.MethodPost, "/api/v1/configs", `{"name":"b","base_url":"https://y.com","auth_token":"t2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, d, http.MethodPost, "/api/v1/configs", `{"name":"b","base_url":"https://y.com","auth_token":"t2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(models.ErrDuplicateName), errorCode(t, rec))

	rec = do(t, d, http.MethodGet, "/api/v1/configs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a", gjson.Get(rec.Body.String(), "current_config").String())
	assert.Equal(t, int64(2), gjson.Get(rec.Body.String(), "configs.#").Int())

	rec = do(t, d, http.MethodGet, "/api/v1/configs/a?reveal=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sk-ant-0123456789abcdef", gjson.Get(rec.Body.String(), "auth_token").String())

	rec = do(t, d, http.MethodPost, "/api/v1/configs/b/switch", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "a", gjson.Get(rec.Body.String(), "previous").String())

	live, err := os.ReadFile(d.cfg.SettingsPath)
	require.NoError(t, err)
	assert.Equal(t, "https://y.com", gjson.GetBytes(live, "env.ANTHROPIC_BASE_URL").String())

	rec = do(t, d, http.MethodDelete, "/api/v1/configs/b", "")
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, string(models.ErrInUse), errorCode(t, rec))

	rec = do(t, d, http.MethodPut, "/api/v1/configs/a", `{"base_url":"https://x2.com","auth_token":"t1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, d, http.MethodDelete, "/api/v1/configs/a", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, d, http.MethodGet, "/api/v1/configs/a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []EventType{
		EventConfigChanged, EventConfigChanged, EventConfigSwitched, EventConfigChanged, EventConfigChanged,
	}, types)
}

func TestSwitchErrors(t *testing.T) {
	d := newTestDaemon(t)

	rec := do(t, d, http.MethodPost, "/api/v1/configs/ghost/switch", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ghost", gjson.Get(rec.Body.String(), "error.details.section").String())

	rec = do(t, d, http.MethodPost, "/api/v1/configs", `{"name":"off","enabled":false}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, d, http.MethodPost, "/api/v1/configs/off/switch", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, d, http.MethodPost, "/api/v1/configs", `{"name":"bad","base_url":"nope","auth_token":"t"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(models.ErrValidation), errorCode(t, rec))

	rec = do(t, d, http.MethodPost, "/api/v1/configs", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportImport(t *testing.T) {
	d := newTestDaemon(t)
	rec := do(t, d, http.MethodPost, "/api/v1/configs", `{"name":"a","base_url":"https://x.com","auth_token":"sk-ant-0123456789abcdef"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, d, http.MethodGet, "/api/v1/export?format=json&redact=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "0123456789")

	rec = do(t, d, http.MethodGet, "/api/v1/export?redact=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	doc := "[b]\nbase_url = \"https://y.com\"\nauth_token = \"t2\"\n"
	rec = do(t, d, http.MethodPost, "/api/v1/import?format=toml", doc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "b", gjson.Get(rec.Body.String(), "added.0").String())

	rec = do(t, d, http.MethodPost, "/api/v1/import?format=json", `{"sections":[{"name":"c","auth_token":"k"},{"name":"d"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "d", gjson.Get(rec.Body.String(), "error.details.section").String())

	rec = do(t, d, http.MethodGet, "/api/v1/validate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "valid").Bool())
}

func TestBackupsAndHistory(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(d.cfg.SettingsPath), 0700))
	require.NoError(t, os.WriteFile(d.cfg.SettingsPath, []byte(`{"theme":"dark"}`), 0600))
	_, events := d.eventBus.Subscribe()

	rec := do(t, d, http.MethodPost, "/api/v1/backups", `{"label":"manual"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "manual", gjson.Get(rec.Body.String(), "label").String())

	rec = do(t, d, http.MethodGet, "/api/v1/backups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "count").Int())

	require.NoError(t, os.WriteFile(d.cfg.SettingsPath, []byte(`garbage`), 0600))
	rec = do(t, d, http.MethodPost, "/api/v1/backups/restore", `{"backup":"latest"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	live, err := os.ReadFile(d.cfg.SettingsPath)
	require.NoError(t, err)
	assert.Equal(t, `{"theme":"dark"}`, string(live))
	assert.Equal(t, EventBackupRestored, (<-events).Type)

	rec = do(t, d, http.MethodPost, "/api/v1/backups/prune", `{"max_age":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, d, http.MethodPost, "/api/v1/backups/prune", `{"max_age":"1h","max_count":1}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, d, http.MethodGet, "/api/v1/history?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "restore", gjson.Get(rec.Body.String(), "entries.0.operation").String())

	rec = do(t, d, http.MethodGet, "/api/v1/history?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, d, http.MethodGet, "/api/v1/history/verify", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, d, http.MethodPost, "/api/v1/history/trim", `{"max":1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMigrationEndpoints(t *testing.T) {
	d := newTestDaemon(t)
	rec := do(t, d, http.MethodPost, "/api/v1/configs", `{"name":"a","auth_token":"t1","provider_type":"kimi"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, d, http.MethodGet, "/api/v1/migration", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "should_migrate").Bool())

	rec = do(t, d, http.MethodPost, "/api/v1/migration", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, gjson.Get(rec.Body.String(), "migrated").Bool())

	rec = do(t, d, http.MethodPost, "/api/v1/migration", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "migrated").Bool(), "second run is a no-op")
}

func TestMetricsEndpoint(t *testing.T) {
	d := newTestDaemon(t)
	do(t, d, http.MethodPost, "/api/v1/configs/ghost/switch", "")

	rec := do(t, d, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ccs_operations_total"))
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, models.NewError(models.ErrLockTimeout, "profile lock busy").On("profile", "switch"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Error struct {
			Code    string                 `json:"code"`
			Message string                 `json:"message"`
			Details map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "E_LOCK_TIMEOUT", body.Error.Code)
	assert.Equal(t, "profile lock busy", body.Error.Message)
	assert.Equal(t, "profile", body.Error.Details["resource"])
}
