// Package checkpoint persists per-source resume state. Each source owns one
// JSON document; writes go through a temp file and an atomic rename so a
// crashed run can never leave a truncated or mixed-version checkpoint behind.
package checkpoint

import (
	"os"
	"path/filepath"

	gojson "github.com/goccy/go-json"

	"github.com/openmoleculedata/molingest/pkg/errors"
	"github.com/openmoleculedata/molingest/pkg/models"
)

// Checkpoint is the durable resume state for one source.
type Checkpoint struct {
	Cursor     models.Cursor `json:"cursor"`
	BatchIndex int           `json:"batch_index"`
	Completed  bool          `json:"completed"`
}

// Store reads and writes checkpoints under a single directory, one file per
// source. Different sources never share a file, so concurrent workers need
// no cross-source locking.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created on the
// first Save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the checkpoint file path for a source.
func (s *Store) Path(source string) string {
	return filepath.Join(s.dir, source+".json")
}

// Load returns the checkpoint for source, or (nil, nil) when none exists.
// A file that exists but does not parse is surfaced as a fatal checkpoint
// error: silently restarting from the beginning would duplicate every batch
// already delivered.
func (s *Store) Load(source string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.Path(source))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "read checkpoint for "+source)
	}

	var cp Checkpoint
	if err := gojson.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "corrupt checkpoint for "+source)
	}
	if cp.BatchIndex < 0 {
		return nil, errors.Newf(errors.ErrorTypeCheckpoint, "corrupt checkpoint for %s: negative batch index %d", source, cp.BatchIndex)
	}
	return &cp, nil
}

// Save persists cp for source atomically: the document is written to a temp
// file in the same directory and renamed into place.
func (s *Store) Save(source string, cp *Checkpoint) error {
	if cp.Cursor == nil {
		cp = &Checkpoint{Cursor: models.Cursor{}, BatchIndex: cp.BatchIndex, Completed: cp.Completed}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create checkpoint directory")
	}

	data, err := gojson.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode checkpoint for "+source)
	}

	path := s.Path(source)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "write checkpoint for "+source)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "commit checkpoint for "+source)
	}
	return nil
}
