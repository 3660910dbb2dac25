package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/simpleflo/ccswitch/internal/migrate"
	"github.com/simpleflo/ccswitch/internal/service"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// maxBodyBytes bounds request bodies; profile documents are small.
const maxBodyBytes = 1 << 20

// Response helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError renders err with the status its code maps to.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{
		"code":    models.CodeOf(err),
		"message": err.Error(),
	}
	var ce *models.CcsError
	if errors.As(err, &ce) {
		body["message"] = ce.Message
		if len(ce.Details) > 0 {
			body["details"] = ce.Details
		}
	}
	writeJSON(w, models.HTTPStatus(err), map[string]interface{}{"error": body})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, models.NewError(models.ErrValidation, message))
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return models.Wrap(models.ErrValidation, "invalid request body", err)
	}
	return nil
}

// Health endpoints

// handleHealth returns the health status of the daemon.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{
		"history": "ok",
	}

	if err := d.svc.Health(r.Context()); err != nil {
		status = "unhealthy"
		checks["history"] = err.Error()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleReady returns whether the daemon is ready to serve requests.
func (d *Daemon) handleReady(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !d.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":     d.Ready(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleStatus returns the overall daemon status.
func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	started := d.startTime
	d.mu.RUnlock()

	out := map[string]interface{}{
		"daemon": map[string]interface{}{
			"version":    Version,
			"build_time": BuildTime,
			"uptime":     time.Since(started).Truncate(time.Second).String(),
			"ready":      d.Ready(),
		},
		"subscribers": d.eventBus.SubscriberCount(),
		"timestamp":   time.Now().Format(time.RFC3339),
	}

	if list, err := d.svc.ListConfigs(); err == nil {
		out["profiles"] = map[string]interface{}{
			"layout":  list.Layout,
			"path":    list.Path,
			"current": list.CurrentConfig,
			"total":   len(list.Configs),
		}
	} else {
		out["profiles"] = map[string]interface{}{"error": models.CodeOf(err)}
	}
	if backups, err := d.svc.ListBackups(); err == nil {
		out["backups"] = len(backups)
	}

	writeJSON(w, http.StatusOK, out)
}

// Config endpoints

func (d *Daemon) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	list, err := d.svc.ListConfigs()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (d *Daemon) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	reveal, _ := strconv.ParseBool(r.URL.Query().Get("reveal"))
	section, err := d.svc.GetConfig(chi.URLParam(r, "name"), reveal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

func (d *Daemon) handleCurrent(w http.ResponseWriter, r *http.Request) {
	section, err := d.svc.CurrentConfig()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

// readSection decodes a section body. Fields left out keep their defaults,
// so a section is enabled unless the body says otherwise.
func readSection(r *http.Request) (*models.ConfigSection, error) {
	section := models.NewSection("")
	if err := decodeBody(r, section); err != nil {
		return nil, err
	}
	return section, nil
}

func (d *Daemon) handleAddConfig(w http.ResponseWriter, r *http.Request) {
	section, err := readSection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := d.svc.AddConfig(r.Context(), section); err != nil {
		writeError(w, err)
		return
	}
	d.publish(EventConfigChanged, ConfigChangeData{Operation: string(models.OpAdd), Sections: []string{section.Name}})

	created, err := d.svc.GetConfig(section.Name, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (d *Daemon) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	section, err := readSection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	res, err := d.svc.UpdateConfig(r.Context(), name, section)
	if err != nil {
		writeError(w, err)
		return
	}
	d.publish(EventConfigChanged, ConfigChangeData{Operation: string(models.OpUpdate), Sections: []string{name}})
	writeJSON(w, http.StatusOK, res)
}

func (d *Daemon) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := d.svc.DeleteConfig(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	d.publish(EventConfigChanged, ConfigChangeData{Operation: string(models.OpDelete), Sections: []string{name}})
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleSwitchConfig(w http.ResponseWriter, r *http.Request) {
	res, err := d.svc.SwitchConfig(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	d.publish(EventConfigSwitched, SwitchData{From: res.Previous, To: res.Current})
	writeJSON(w, http.StatusOK, res)
}

func (d *Daemon) handleSettings(w http.ResponseWriter, r *http.Request) {
	current, err := d.svc.CurrentSettings()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

// Transfer endpoints

func (d *Daemon) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := service.ExportOptions{Format: q.Get("format")}
	if v := q.Get("redact"); v != "" {
		redact, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "redact must be a boolean")
			return
		}
		opts.Redact = &redact
	}

	out, err := d.svc.ExportConfig(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}

	contentType := "application/toml"
	switch opts.Format {
	case service.FormatJSON:
		contentType = "application/json"
	case service.FormatYAML, "yml":
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (d *Daemon) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "read request body")
		return
	}
	q := r.URL.Query()
	res, err := d.svc.ImportConfig(r.Context(), data, service.ImportOptions{
		Format: q.Get("format"),
		Mode:   q.Get("mode"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	var touched []string
	touched = append(touched, res.Added...)
	touched = append(touched, res.Updated...)
	touched = append(touched, res.Removed...)
	d.publish(EventConfigChanged, ConfigChangeData{Operation: string(models.OpImport), Sections: touched})
	writeJSON(w, http.StatusOK, res)
}

func (d *Daemon) handleValidate(w http.ResponseWriter, r *http.Request) {
	report, err := d.svc.ValidateAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Backup endpoints

func (d *Daemon) handleListBackups(w http.ResponseWriter, r *http.Request) {
	list, err := d.svc.ListBackups()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": list,
		"count":   len(list),
	})
}

func (d *Daemon) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := d.svc.CreateBackup(r.Context(), req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (d *Daemon) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Backup string `json:"backup"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := d.svc.RestoreBackup(r.Context(), req.Backup)
	if err != nil {
		writeError(w, err)
		return
	}

	data := RestoreData{Backup: res.Restored.Filename}
	if res.PreRestore != nil {
		data.PreRestore = res.PreRestore.Filename
	}
	d.publish(EventBackupRestored, data)
	writeJSON(w, http.StatusOK, res)
}

func (d *Daemon) handlePruneBackups(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAge   string `json:"max_age"`
		MaxCount int    `json:"max_count"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var maxAge time.Duration
	if req.MaxAge != "" {
		var err error
		if maxAge, err = time.ParseDuration(req.MaxAge); err != nil {
			badRequest(w, "max_age must be a duration such as 720h")
			return
		}
	}

	removed, err := d.svc.PruneBackups(r.Context(), maxAge, req.MaxCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
		"count":   len(removed),
	})
}

// History endpoints

func (d *Daemon) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	entries, err := d.svc.History(r.Context(), limit, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (d *Daemon) handleVerifyHistory(w http.ResponseWriter, r *http.Request) {
	if err := d.svc.VerifyHistory(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

func (d *Daemon) handleTrimHistory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Max int `json:"max"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	removed, err := d.svc.TrimHistory(r.Context(), req.Max)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// Migration endpoints

func (d *Daemon) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := d.svc.MigrationStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"should_migrate": status.ShouldMigrate(),
	})
}

func (d *Daemon) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Platform string `json:"platform"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := d.svc.Migrate(r.Context(), migrate.Options{Platform: req.Platform})
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Migrated {
		d.publish(EventMigrationCompleted, res)
	}
	writeJSON(w, http.StatusOK, res)
}

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
)
