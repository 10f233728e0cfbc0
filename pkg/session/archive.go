package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seapen/seapen/pkg/kv"
	"github.com/seapen/seapen/pkg/logger"
)

const (
	archiveKeyPrefix = "archive:"
	archiveIndexKey  = "archive_index"
	defaultKeep      = 5
)

// Archive is an immutable pre-compaction snapshot of all three logs.
// It is the rollback point when a compaction goes wrong.
type Archive struct {
	Key               string          `json:"key"`
	Timestamp         time.Time       `json:"timestamp"`
	SessionID         string          `json:"sessionId"`
	Reason            string          `json:"reason"`
	IterationsCovered []int           `json:"iterationsCovered"`
	Reasoning         json.RawMessage `json:"reasoning"`
	Execution         json.RawMessage `json:"execution"`
	ToolActivity      json.RawMessage `json:"toolActivity"`
}

// ArchiveRing stores the last N archives in the key-value backend,
// deleting the oldest once the ring is full.
type ArchiveRing struct {
	backend kv.Store
	keep    int
}

func NewArchiveRing(backend kv.Store, keep int) *ArchiveRing {
	if keep <= 0 {
		keep = defaultKeep
	}
	return &ArchiveRing{backend: backend, keep: keep}
}

// Capture snapshots the logs under a fresh key and prunes the ring.
// The caller must hold no log mutations in flight.
func (r *ArchiveRing) Capture(logs *Logs, sessionID, reason string, covered []int) (string, error) {
	logs.mu.Lock()
	a := Archive{
		Key:               archiveKeyPrefix + uuid.NewString(),
		Timestamp:         time.Now(),
		SessionID:         sessionID,
		Reason:            reason,
		IterationsCovered: covered,
	}
	var err error
	if a.Reasoning, err = logs.reasoning.snapshot(); err == nil {
		if a.Execution, err = logs.execution.snapshot(); err == nil {
			a.ToolActivity, err = logs.toolActivity.snapshot()
		}
	}
	logs.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("snapshot logs: %w", err)
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	if err := r.backend.Save(a.Key, raw); err != nil {
		return "", fmt.Errorf("save archive: %w", err)
	}
	if err := r.index(a.Key); err != nil {
		return "", err
	}
	logger.InfoCF("archive", "Compaction archive captured", map[string]any{
		"key":        a.Key,
		"iterations": len(covered),
	})
	return a.Key, nil
}

// Load fetches one archive by key.
func (r *ArchiveRing) Load(key string) (*Archive, error) {
	raw, err := r.backend.Load(key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("archive %q not found", key)
	}
	if err != nil {
		return nil, err
	}
	var a Archive
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode archive %q: %w", key, err)
	}
	return &a, nil
}

// List returns every retained archive, oldest first.
func (r *ArchiveRing) List() ([]*Archive, error) {
	keys, err := r.loadIndex()
	if err != nil {
		return nil, err
	}
	out := make([]*Archive, 0, len(keys))
	for _, key := range keys {
		a, err := r.Load(key)
		if err != nil {
			continue // pruned concurrently or corrupt; skip
		}
		out = append(out, a)
	}
	return out, nil
}

// Restore replaces the live logs with an archive's snapshots and
// persists them. This is the manual rollback path.
func (r *ArchiveRing) Restore(key string, logs *Logs) error {
	a, err := r.Load(key)
	if err != nil {
		return err
	}
	logs.mu.Lock()
	defer logs.mu.Unlock()
	if err := logs.reasoning.restore(a.Reasoning); err != nil {
		return err
	}
	if err := logs.execution.restore(a.Execution); err != nil {
		return err
	}
	if err := logs.toolActivity.restore(a.ToolActivity); err != nil {
		return err
	}
	return logs.persistAll()
}

func (r *ArchiveRing) index(key string) error {
	keys, err := r.loadIndex()
	if err != nil {
		return err
	}
	keys = append(keys, key)
	for len(keys) > r.keep {
		if err := r.backend.Delete(keys[0]); err != nil {
			return fmt.Errorf("prune archive %q: %w", keys[0], err)
		}
		keys = keys[1:]
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return r.backend.Save(archiveIndexKey, raw)
}

func (r *ArchiveRing) loadIndex() ([]string, error) {
	raw, err := r.backend.Load(archiveIndexKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode archive index: %w", err)
	}
	return keys, nil
}
