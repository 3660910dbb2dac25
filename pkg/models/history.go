package models

import "time"

// Operation is the kind of change a history entry records.
type Operation string

// Recorded operations.
const (
	OpSwitch  Operation = "switch"
	OpAdd     Operation = "add"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpImport  Operation = "import"
	OpExport  Operation = "export"
	OpRestore Operation = "restore"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpSwitch, OpAdd, OpUpdate, OpDelete, OpImport, OpExport, OpRestore:
		return true
	}
	return false
}

// Change is one key that an operation touched. Nil Old means the key was
// added, nil New means it was removed. Secret values are masked.
type Change struct {
	Key string  `json:"key"`
	Old *string `json:"old,omitempty"`
	New *string `json:"new,omitempty"`
}

// HistoryEntry is an immutable audit record.
type HistoryEntry struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Operation  Operation `json:"operation"`
	Actor      string    `json:"actor"`
	FromConfig string    `json:"from_config,omitempty"`
	ToConfig   string    `json:"to_config,omitempty"`
	Changes    []Change  `json:"changes"`
	PrevHash   string    `json:"prev_hash,omitempty"`
	EntryHash  string    `json:"entry_hash"`
}

// BackupRecord describes one immutable settings snapshot.
type BackupRecord struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// MigrationStatus describes which on-disk layout is active.
type MigrationStatus struct {
	IsUnifiedMode      bool   `json:"is_unified_mode"`
	LegacyConfigExists bool   `json:"legacy_config_exists"`
	LegacyConfigPath   string `json:"legacy_config_path"`
	UnifiedConfigPath  string `json:"unified_config_path,omitempty"`
	LegacySectionCount int    `json:"legacy_section_count"`
}

// UnifiedExists reports whether a unified root document is present.
func (s MigrationStatus) UnifiedExists() bool {
	return s.UnifiedConfigPath != ""
}

// ShouldMigrate reports whether a legacy document is waiting to be upgraded.
func (s MigrationStatus) ShouldMigrate() bool {
	return s.LegacyConfigExists && !s.UnifiedExists() && s.LegacySectionCount > 0
}
