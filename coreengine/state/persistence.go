package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/redmage123/artemis/coreengine/logging"
)

// StatePersistence stores the snapshot of one card as JSON:
//
//	{dir}/pipeline_state_{card_id}.json
//
// Saves go through a temp file and rename, so readers never see a partial write.
type StatePersistence struct {
	dir    string
	cardID string
	logger logging.Logger
}

// NewStatePersistence binds persistence to a directory and card id.
// The card id must name a file inside dir; see ValidateCardID.
func NewStatePersistence(dir, cardID string, logger logging.Logger) (*StatePersistence, error) {
	if err := ValidateCardID(cardID); err != nil {
		return nil, err
	}
	return &StatePersistence{dir: dir, cardID: cardID, logger: logging.OrNop(logger)}, nil
}

// ValidateCardID rejects ids that are empty or would escape the snapshot
// directory once embedded in a file name.
func ValidateCardID(cardID string) error {
	switch {
	case cardID == "":
		return &CardIDError{CardID: cardID, Reason: "must not be empty"}
	case strings.ContainsAny(cardID, `/\`) || filepath.Base(cardID) != cardID:
		return &CardIDError{CardID: cardID, Reason: "must not contain path separators"}
	case strings.Contains(cardID, ".."):
		return &CardIDError{CardID: cardID, Reason: "must not contain '..'"}
	case strings.ContainsRune(cardID, 0):
		return &CardIDError{CardID: cardID, Reason: "must not contain NUL"}
	}
	return nil
}

// Path returns the snapshot file path.
func (p *StatePersistence) Path() string {
	return filepath.Join(p.dir, fmt.Sprintf("pipeline_state_%s.json", p.cardID))
}

// SaveSnapshot writes the snapshot atomically.
func (p *StatePersistence) SaveSnapshot(snapshot *PipelineSnapshot) error {
	if snapshot == nil {
		return errors.New("snapshot is nil")
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	data = append(data, '\n')
	if err := writeAtomic(p.Path(), data); err != nil {
		return err
	}
	p.logger.Debug("snapshot_saved", "card_id", p.cardID, "state", snapshot.State)
	return nil
}

// LoadSnapshot returns the parsed snapshot document.
// A missing or corrupt file yields an empty map; corruption is logged.
func (p *StatePersistence) LoadSnapshot() map[string]any {
	data, err := os.ReadFile(p.Path())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("snapshot_read_failed", "path", p.Path(), "error", err)
		}
		return map[string]any{}
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		p.logger.Warn("snapshot_corrupt", "path", p.Path(), "error", err)
		return map[string]any{}
	}
	return doc
}

// LoadPipelineSnapshot is the typed variant of LoadSnapshot.
// ok is false when no usable snapshot exists.
func (p *StatePersistence) LoadPipelineSnapshot() (snapshot *PipelineSnapshot, ok bool) {
	data, err := os.ReadFile(p.Path())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("snapshot_read_failed", "path", p.Path(), "error", err)
		}
		return nil, false
	}
	var snap PipelineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		p.logger.Warn("snapshot_corrupt", "path", p.Path(), "error", err)
		return nil, false
	}
	if snap.Stages == nil {
		snap.Stages = map[string]StageStateInfo{}
	}
	return &snap, true
}

// DeleteSnapshot removes the file. A missing file is not an error.
func (p *StatePersistence) DeleteSnapshot() error {
	err := os.Remove(p.Path())
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("delete snapshot: %w", err)
}

// writeAtomic writes data to a temp file in the target directory, then renames.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".pipeline_state-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	tmpName = ""
	return nil
}

// SnapshotResetter discards the persisted snapshot of a card. It serves the
// reset_state remediation.
type SnapshotResetter struct {
	dir    string
	logger logging.Logger
}

// NewSnapshotResetter resets snapshots stored under dir.
func NewSnapshotResetter(dir string, logger logging.Logger) *SnapshotResetter {
	return &SnapshotResetter{dir: dir, logger: logging.OrNop(logger)}
}

// ResetState deletes the snapshot for cardID. A missing snapshot is not an error.
func (r *SnapshotResetter) ResetState(ctx context.Context, cardID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := NewStatePersistence(r.dir, cardID, r.logger)
	if err != nil {
		return err
	}
	if err := p.DeleteSnapshot(); err != nil {
		return err
	}
	r.logger.Info("pipeline_state_reset", "card_id", cardID)
	return nil
}
