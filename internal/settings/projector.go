// Package settings projects a profile into the wrapped CLI's live settings
// document.
//
// Only the owned keys under "env" are touched. Every other byte of the
// document is carried through unchanged. A write is preceded by a backup
// and followed by a read-back check; a failed check restores the backup.
package settings

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/simpleflo/ccswitch/internal/backup"
	"github.com/simpleflo/ccswitch/internal/fileutil"
	"github.com/simpleflo/ccswitch/internal/lock"
	"github.com/simpleflo/ccswitch/internal/observability"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// Owned keys, as gjson/sjson paths.
const (
	KeyBaseURL        = "env.ANTHROPIC_BASE_URL"
	KeyAuthToken      = "env.ANTHROPIC_AUTH_TOKEN"
	KeyModel          = "env.ANTHROPIC_MODEL"
	KeySmallFastModel = "env.ANTHROPIC_SMALL_FAST_MODEL"
)

type ownedKey struct {
	path   string
	secret bool
	value  func(*models.ConfigSection) string
}

var ownedKeys = []ownedKey{
	{KeyBaseURL, false, func(s *models.ConfigSection) string { return s.BaseURL }},
	{KeyAuthToken, true, func(s *models.ConfigSection) string { return s.AuthToken }},
	{KeyModel, false, func(s *models.ConfigSection) string { return s.Model }},
	{KeySmallFastModel, false, func(s *models.ConfigSection) string { return s.SmallFastModel }},
}

// OwnedKeys lists the settings paths the projector manages.
func OwnedKeys() []string {
	keys := make([]string, len(ownedKeys))
	for i, k := range ownedKeys {
		keys[i] = k.path
	}
	return keys
}

// Appender records audit entries.
type Appender interface {
	Append(ctx context.Context, entry *models.HistoryEntry) error
}

// ApplyOptions describes the operation a projection belongs to, for the
// audit entry.
type ApplyOptions struct {
	Operation models.Operation
	Actor     string
	From      string
	To        string

	// Changes are recorded ahead of the settings keys in the same entry.
	Changes []models.Change
}

// Result reports a completed projection.
type Result struct {
	Changes []models.Change      `json:"changes"`
	Backup  *models.BackupRecord `json:"backup,omitempty"`
	Entry   *models.HistoryEntry `json:"history_entry"`
}

// Projector writes profiles into the live settings document.
type Projector struct {
	path    string
	backups *backup.Service
	history Appender
	locks   *lock.Manager
	actor   string
	logger  zerolog.Logger

	// writeFile publishes the merged document.
	writeFile func(path string, data []byte, perm fs.FileMode) error
}

// NewProjector creates a projector for the settings document at path.
func NewProjector(path string, backups *backup.Service, history Appender, locks *lock.Manager, actor string) *Projector {
	return &Projector{
		path:      path,
		backups:   backups,
		history:   history,
		locks:     locks,
		actor:     actor,
		logger:    observability.Logger("settings"),
		writeFile: fileutil.WriteFileAtomic,
	}
}

// Path returns the live settings document path.
func (p *Projector) Path() string { return p.path }

// Apply projects section into the live settings document under the
// settings lock and records one history entry.
func (p *Projector) Apply(ctx context.Context, section *models.ConfigSection, opts ApplyOptions) (*Result, error) {
	if opts.Operation == "" {
		opts.Operation = models.OpSwitch
	}
	if opts.Actor == "" {
		opts.Actor = p.actor
	}
	if opts.To == "" {
		opts.To = section.Name
	}

	var res *Result
	err := p.locks.WithLock(ctx, lock.ResourceSettings, func(ctx context.Context) error {
		var err error
		res, err = p.apply(ctx, section, opts)
		return err
	})
	if err != nil {
		observability.ObserveOperation("project", "error")
		return nil, err
	}

	observability.ObserveOperation("project", "ok")
	observability.LogEvent(p.logger, observability.EventSettingsProjected, map[string]interface{}{
		"section": section.Name,
		"changed": len(res.Changes),
	})
	return res, nil
}

func (p *Projector) apply(ctx context.Context, section *models.ConfigSection, opts ApplyOptions) (*Result, error) {
	current, existed, err := p.readLive()
	if err != nil {
		return nil, err
	}

	merged, changes, err := Merge(current, section)
	if err != nil {
		return nil, err
	}
	res := &Result{Changes: changes}

	var snapshot *models.BackupRecord
	if len(changes) > 0 {
		if existed {
			snapshot, err = p.backups.Backup(ctx, "pre-"+string(opts.Operation))
			if err != nil {
				return nil, models.Wrap(models.ErrInternal, "backup before projection failed; live settings untouched", err).
					On(lock.ResourceSettings, "apply")
			}
			res.Backup = snapshot
		} else {
			merged = []byte(gjson.GetBytes(merged, "@pretty").Raw)
		}

		perm := fileutil.Mode(p.path, 0600)
		if err := p.writeFile(p.path, merged, perm); err != nil {
			return nil, models.Wrap(models.ErrInternal, "write live settings", err).
				On(lock.ResourceSettings, "apply")
		}

		if err := p.verify(section); err != nil {
			p.rollback(snapshot, current, existed, perm)
			return nil, models.Wrap(models.ErrWriteVerificationFailed,
				"live settings did not read back as written; previous content restored", err).
				On(lock.ResourceSettings, "apply")
		}
	}

	entry := &models.HistoryEntry{
		Operation:  opts.Operation,
		Actor:      opts.Actor,
		FromConfig: opts.From,
		ToConfig:   opts.To,
		Changes:    append(append([]models.Change{}, opts.Changes...), changes...),
	}
	if err := p.history.Append(ctx, entry); err != nil {
		if len(changes) > 0 {
			p.rollback(snapshot, current, existed, fileutil.Mode(p.path, 0600))
		}
		return nil, err
	}
	res.Entry = entry
	return res, nil
}

// readLive returns the live document, or "{}" when it does not exist.
func (p *Projector) readLive() ([]byte, bool, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return []byte("{}"), false, nil
	}
	if err != nil {
		return nil, false, models.Wrap(models.ErrInternal, "read live settings", err).
			On(lock.ResourceSettings, "apply")
	}
	if !backup.ValidDocument(data) {
		return nil, true, models.NewError(models.ErrParse, "live settings document is not a JSON object").
			WithDetails("path", p.path).
			On(lock.ResourceSettings, "apply")
	}
	return data, true, nil
}

// verify reads the document back and checks every owned key.
func (p *Projector) verify(section *models.ConfigSection) error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	if !backup.ValidDocument(data) {
		return fmt.Errorf("document does not parse")
	}
	for _, k := range ownedKeys {
		want := k.value(section)
		got := gjson.GetBytes(data, k.path)
		if want == "" {
			if got.Exists() {
				return fmt.Errorf("%s should be absent", k.path)
			}
			continue
		}
		if got.String() != want {
			return fmt.Errorf("%s does not hold the projected value", k.path)
		}
	}
	return nil
}

// rollback puts the pre-projection content back: from the backup when one
// was taken, otherwise by removing the file the projection created.
func (p *Projector) rollback(snapshot *models.BackupRecord, previous []byte, existed bool, perm fs.FileMode) {
	var err error
	switch {
	case snapshot != nil:
		err = fileutil.CopyFileAtomic(snapshot.Path, p.path, perm)
	case existed:
		err = fileutil.WriteFileAtomic(p.path, previous, perm)
	default:
		err = os.Remove(p.path)
		if os.IsNotExist(err) {
			err = nil
		}
	}
	if err != nil {
		observability.LogError(p.logger, err, "rollback of live settings failed", map[string]interface{}{
			"path": p.path,
		})
		return
	}
	p.logger.Warn().Str("path", p.path).Msg("live settings rolled back")
}

// Merge sets the owned keys of doc from section and returns the new
// document with the list of changed keys. Secret values in the changes
// are masked. Empty section values remove the key.
func Merge(doc []byte, section *models.ConfigSection) ([]byte, []models.Change, error) {
	env := gjson.GetBytes(doc, "env")
	if env.Exists() && !env.IsObject() {
		return nil, nil, models.NewError(models.ErrParse, "live settings \"env\" is not an object").
			On(lock.ResourceSettings, "apply")
	}

	out := doc
	changes := []models.Change{}
	for _, k := range ownedKeys {
		want := k.value(section)
		old := gjson.GetBytes(out, k.path)

		var err error
		switch {
		case want == "" && old.Exists():
			out, err = sjson.DeleteBytes(out, k.path)
			changes = append(changes, change(k, old, ""))
		case want != "" && (!old.Exists() || old.String() != want):
			out, err = sjson.SetBytes(out, k.path, want)
			changes = append(changes, change(k, old, want))
		}
		if err != nil {
			return nil, nil, models.Wrap(models.ErrInternal, fmt.Sprintf("update %s", k.path), err).
				On(lock.ResourceSettings, "apply")
		}
	}
	return out, changes, nil
}

func change(k ownedKey, old gjson.Result, want string) models.Change {
	c := models.Change{Key: k.path}
	if old.Exists() {
		c.Old = models.StringPtr(display(k, old.String()))
	}
	if want != "" {
		c.New = models.StringPtr(display(k, want))
	}
	return c
}

func display(k ownedKey, v string) string {
	if k.secret {
		return models.MaskSecret(v)
	}
	return v
}

// Current reads the owned keys from the live document, secrets masked. A
// missing document yields an empty map.
func (p *Projector) Current() (map[string]string, error) {
	data, existed, err := p.readLive()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ownedKeys))
	if !existed {
		return out, nil
	}
	for _, k := range ownedKeys {
		if v := gjson.GetBytes(data, k.path); v.Exists() {
			out[k.path] = display(k, v.String())
		}
	}
	return out, nil
}
