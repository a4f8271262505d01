package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/prodvec/pkg/utils"
)

// Checkpoint statuses.
const (
	StatusInProgress = "in_progress"
	StatusFailed     = "failed"
)

// Checkpoint records how far ingestion got. Offset is the next unread row;
// Processed counts documents embedded and added so far.
type Checkpoint struct {
	Offset    int    `json:"offset"`
	Processed int    `json:"processed"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
	Status    string `json:"status,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

func (c Checkpoint) valid() error {
	if c.Offset < 0 || c.Processed < 0 {
		return fmt.Errorf("negative offset %d or processed %d", c.Offset, c.Processed)
	}
	return nil
}

// CheckpointManager reads and writes the checkpoint file and its backup copy
// at path + ".bak".
type CheckpointManager struct {
	path   string
	logger *zap.Logger
}

// NewCheckpointManager returns a manager for the checkpoint file at path.
func NewCheckpointManager(path string, logger *zap.Logger) *CheckpointManager {
	return &CheckpointManager{path: path, logger: utils.OrNop(logger)}
}

// Path returns the primary checkpoint path.
func (m *CheckpointManager) Path() string { return m.path }

// BackupPath returns the backup checkpoint path.
func (m *CheckpointManager) BackupPath() string { return m.path + ".bak" }

// Load returns the checkpoint to resume from. An unreadable or invalid
// primary falls back to the backup; found is false when neither is usable,
// meaning ingestion starts from zero.
func (m *CheckpointManager) Load() (cp Checkpoint, found bool) {
	cp, err := readCheckpoint(m.path)
	if err == nil {
		return cp, true
	}
	if !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("Checkpoint unusable, trying backup", zap.String("path", m.path), zap.Error(err))
	}
	cp, bakErr := readCheckpoint(m.BackupPath())
	if bakErr == nil {
		m.logger.Info("Recovered checkpoint from backup",
			zap.String("path", m.BackupPath()),
			zap.Int("offset", cp.Offset),
			zap.Int("processed", cp.Processed))
		return cp, true
	}
	if !errors.Is(err, os.ErrNotExist) || !errors.Is(bakErr, os.ErrNotExist) {
		m.logger.Warn("No usable checkpoint, starting from zero", zap.Error(bakErr))
	}
	return Checkpoint{}, false
}

func readCheckpoint(path string) (Checkpoint, error) {
	var cp Checkpoint
	data, err := os.ReadFile(path)
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("parse checkpoint: %w", err)
	}
	if err := cp.valid(); err != nil {
		return cp, err
	}
	return cp, nil
}

// Save writes cp. The current primary is first copied to the backup path, then
// the primary is replaced through a temporary file and rename.
func (m *CheckpointManager) Save(cp Checkpoint) error {
	if err := cp.valid(); err != nil {
		return err
	}
	if cp.Timestamp == "" {
		cp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	if prev, err := os.ReadFile(m.path); err == nil {
		if err := writeFileAtomic(m.BackupPath(), prev); err != nil {
			return fmt.Errorf("write checkpoint backup: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read checkpoint: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := writeFileAtomic(m.path, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint and its backup.
func (m *CheckpointManager) Clear() error {
	var errs []error
	for _, p := range []string{m.path, m.BackupPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
