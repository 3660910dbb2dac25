// Package history is the append-only audit log of profile and settings
// changes, stored in SQLite.
//
// Each entry carries the hash of its predecessor, so removing or editing a
// row in the middle of the log is detectable with Verify. Retention trim
// only ever removes the oldest rows.
package history

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/simpleflo/ccswitch/internal/observability"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// timeLayout sorts lexicographically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Recorder appends and reads history entries.
type Recorder struct {
	store  *Store
	now    func() time.Time
	logger zerolog.Logger
}

// Open opens the history database at path.
func Open(path string) (*Recorder, error) {
	store, err := NewStore(path)
	if err != nil {
		return nil, err
	}
	return NewRecorder(store), nil
}

// NewRecorder wraps an open store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{
		store:  store,
		now:    time.Now,
		logger: observability.Logger("history"),
	}
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.store.Close()
}

// Health checks the database.
func (r *Recorder) Health(ctx context.Context) error {
	return r.store.Health(ctx)
}

// Append writes entry in one immediate transaction, filling in ID,
// Timestamp, Seq and the chain hashes.
func (r *Recorder) Append(ctx context.Context, entry *models.HistoryEntry) error {
	if !entry.Operation.Valid() {
		return models.NewError(models.ErrValidation, fmt.Sprintf("unknown history operation %q", entry.Operation)).
			On("history", "append")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if entry.Changes == nil {
		entry.Changes = []models.Change{}
	}

	changes, err := json.Marshal(entry.Changes)
	if err != nil {
		return fmt.Errorf("encode history changes: %w", err)
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB(err, "append")
	}
	defer tx.Rollback()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT entry_hash FROM history ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return wrapDB(err, "append")
	}
	entry.PrevHash = prev
	entry.EntryHash = hashEntry(entry, changes)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO history (entry_id, timestamp, operation, actor, from_config, to_config, changes, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.Timestamp.Format(timeLayout),
		string(entry.Operation),
		entry.Actor,
		entry.FromConfig,
		entry.ToConfig,
		string(changes),
		entry.PrevHash,
		entry.EntryHash,
	)
	if err != nil {
		return wrapDB(err, "append")
	}
	if entry.Seq, err = res.LastInsertId(); err != nil {
		return wrapDB(err, "append")
	}

	if err := tx.Commit(); err != nil {
		return wrapDB(err, "append")
	}

	r.logger.Debug().
		Str("operation", string(entry.Operation)).
		Int64("seq", entry.Seq).
		Msg("history entry appended")
	return nil
}

// List returns up to limit entries, most recent first. A zero since means
// no lower time bound; limit <= 0 means no limit.
func (r *Recorder) List(ctx context.Context, limit int, since time.Time) ([]models.HistoryEntry, error) {
	query := `
		SELECT seq, entry_id, timestamp, operation, actor, from_config, to_config, changes, prev_hash, entry_hash
		FROM history
	`
	var args []interface{}
	if !since.IsZero() {
		query += ` WHERE timestamp >= ?`
		args = append(args, since.UTC().Format(timeLayout))
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDB(err, "list")
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB(err, "list")
	}
	return entries, nil
}

// Count returns the number of stored entries.
func (r *Recorder) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&n); err != nil {
		return 0, wrapDB(err, "count")
	}
	return n, nil
}

// Trim deletes the oldest entries so at most max remain, and returns how
// many were removed.
func (r *Recorder) Trim(ctx context.Context, max int) (int64, error) {
	if max < 0 {
		max = 0
	}
	res, err := r.store.db.ExecContext(ctx, `
		DELETE FROM history
		WHERE seq NOT IN (SELECT seq FROM history ORDER BY seq DESC LIMIT ?)
	`, max)
	if err != nil {
		return 0, wrapDB(err, "trim")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDB(err, "trim")
	}
	if n > 0 {
		observability.LogEvent(r.logger, observability.EventHistoryTrimmed, map[string]interface{}{
			"removed": n,
			"kept":    max,
		})
	}
	return n, nil
}

// Verify walks the log oldest-first and checks every hash link. The oldest
// retained entry may point at a trimmed predecessor.
func (r *Recorder) Verify(ctx context.Context) error {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT seq, entry_id, timestamp, operation, actor, from_config, to_config, changes, prev_hash, entry_hash
		FROM history ORDER BY seq ASC
	`)
	if err != nil {
		return wrapDB(err, "verify")
	}
	defer rows.Close()

	prev := ""
	first := true
	for rows.Next() {
		e, changes, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if !first && e.PrevHash != prev {
			return chainBroken(e.Seq, "prev_hash does not match the preceding entry")
		}
		if hashEntry(&e, []byte(changes)) != e.EntryHash {
			return chainBroken(e.Seq, "entry_hash does not match the entry content")
		}
		prev = e.EntryHash
		first = false
	}
	if err := rows.Err(); err != nil {
		return wrapDB(err, "verify")
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (models.HistoryEntry, string, error) {
	var e models.HistoryEntry
	var ts, op, changes string
	err := row.Scan(&e.Seq, &e.ID, &ts, &op, &e.Actor, &e.FromConfig, &e.ToConfig, &changes, &e.PrevHash, &e.EntryHash)
	if err != nil {
		return e, "", wrapDB(err, "read")
	}
	e.Operation = models.Operation(op)
	if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
		return e, "", models.Wrap(models.ErrParse, fmt.Sprintf("history entry %d has a bad timestamp", e.Seq), err)
	}
	if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
		return e, "", models.Wrap(models.ErrParse, fmt.Sprintf("history entry %d has bad changes", e.Seq), err)
	}
	return e, changes, nil
}

// hashEntry chains the entry to its predecessor. changes is the stored JSON
// so the hash is computed over exactly the persisted bytes.
func hashEntry(e *models.HistoryEntry, changes []byte) string {
	h := sha256.New()
	for _, field := range []string{
		e.PrevHash,
		e.ID,
		e.Timestamp.UTC().Format(timeLayout),
		string(e.Operation),
		e.Actor,
		e.FromConfig,
		e.ToConfig,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	h.Write(changes)
	return hex.EncodeToString(h.Sum(nil))
}

func chainBroken(seq int64, reason string) error {
	return models.NewError(models.ErrValidation, fmt.Sprintf("history chain broken at entry %d: %s", seq, reason)).
		WithDetails("seq", seq).
		On("history", "verify")
}

func wrapDB(err error, operation string) error {
	return models.Wrap(models.ErrInternal, "history database", err).On("history", operation)
}
