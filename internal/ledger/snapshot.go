package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot mirrors the state record into a JSON file for crash recovery when the primary
// store cannot be read.
type Snapshot struct {
	path string
}

func NewSnapshot(path string) *Snapshot {
	return &Snapshot{path: path}
}

func (s *Snapshot) Path() string { return s.path }

// Save writes rec to a temporary file and renames it over the snapshot, so a reader never
// sees a half-written file.
func (s *Snapshot) Save(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("%w: failed to create snapshot dir: %v", ErrPersistence, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal snapshot: %v", ErrPersistence, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: failed to write snapshot: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: failed to replace snapshot: %v", ErrPersistence, err)
	}
	return nil
}

// Load returns the saved record. ok is false when no snapshot exists.
func (s *Snapshot) Load() (rec Record, ok bool, err error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: failed to read snapshot: %v", ErrPersistence, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("%w: failed to unmarshal snapshot: %v", ErrPersistence, err)
	}
	return rec, true, nil
}

// Backup copies the current snapshot next to it with a timestamp suffix and returns the
// backup path.
func (s *Snapshot) Backup(now time.Time) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read snapshot: %v", ErrPersistence, err)
	}

	ext := filepath.Ext(s.path)
	base := s.path[:len(s.path)-len(ext)]
	backup := fmt.Sprintf("%s_backup_%s%s", base, now.Format("20060102_150405"), ext)
	if err := os.WriteFile(backup, data, 0644); err != nil {
		return "", fmt.Errorf("%w: failed to write backup: %v", ErrPersistence, err)
	}
	return backup, nil
}
