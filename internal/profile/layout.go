package profile

import (
	"os"

	"github.com/simpleflo/ccswitch/internal/fileutil"
	"github.com/simpleflo/ccswitch/pkg/models"
)

// Kind names an on-disk layout.
type Kind string

const (
	KindLegacy  Kind = "legacy"
	KindUnified Kind = "unified"
)

// Layout is one on-disk arrangement of the profile document. Layouts do no
// locking; Store serializes access.
type Layout interface {
	Kind() Kind
	// Path is the file Load and Save operate on.
	Path() string
	Exists() bool
	Load() (*models.CcsConfig, error)
	Save(cfg *models.CcsConfig) error
}

// LegacyLayout keeps every section in one flat file.
type LegacyLayout struct {
	path string
}

// NewLegacyLayout returns the single-file layout at path.
func NewLegacyLayout(path string) *LegacyLayout {
	return &LegacyLayout{path: path}
}

func (l *LegacyLayout) Kind() Kind   { return KindLegacy }
func (l *LegacyLayout) Path() string { return l.path }
func (l *LegacyLayout) Exists() bool { return fileutil.FileExists(l.path) }

// Load reads the document. A missing file is an empty document.
func (l *LegacyLayout) Load() (*models.CcsConfig, error) {
	return readDocument(l.path)
}

// Save writes the document atomically.
func (l *LegacyLayout) Save(cfg *models.CcsConfig) error {
	return writeDocument(l.path, cfg)
}

func readDocument(path string) (*models.CcsConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return models.NewCcsConfig(), nil
	}
	if err != nil {
		return nil, models.Wrap(models.ErrInternal, "read profile document", err).
			WithDetails("path", path)
	}
	cfg, err := Decode(data)
	if err != nil {
		if ce, ok := err.(*models.CcsError); ok {
			return nil, ce.WithDetails("path", path)
		}
		return nil, err
	}
	return cfg, nil
}

func writeDocument(path string, cfg *models.CcsConfig) error {
	data, err := Encode(cfg)
	if err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(path, data, 0600); err != nil {
		return models.Wrap(models.ErrInternal, "write profile document", err).
			WithDetails("path", path)
	}
	return nil
}
