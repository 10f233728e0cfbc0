package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/seapen/seapen/pkg/kv"
	"github.com/seapen/seapen/pkg/logger"
)

const (
	keyTasks       = "entities:tasks"
	keyGoals       = "entities:goals"
	keyMemories    = "entities:memories"
	keyVault       = "entities:vault"
	keyFinalOutput = "final_output"
)

// CommitEvent is emitted after each committed batch so an external
// renderer can refresh without the store depending on one.
type CommitEvent struct {
	Tasks    int
	Goals    int
	Memories int
	Vault    int
}

// Store owns the four entity collections and the final output. Reads
// are lock-protected copies; writes happen only through Batch.Commit.
type Store struct {
	mu          sync.RWMutex
	backend     kv.Store
	collections map[Kind]*collection
	finalOutput *FinalOutput
	subscribers []func(CommitEvent)
}

func Open(backend kv.Store) (*Store, error) {
	s := &Store{
		backend: backend,
		collections: map[Kind]*collection{
			KindTask:   newCollection(),
			KindGoal:   newCollection(),
			KindMemory: newCollection(),
			KindVault:  newCollection(),
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	for kind, key := range map[Kind]string{
		KindTask: keyTasks, KindGoal: keyGoals, KindMemory: keyMemories, KindVault: keyVault,
	} {
		data, err := s.backend.Load(key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", key, err)
		}
		var entities []Entity
		if err := json.Unmarshal(data, &entities); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		col := newCollection()
		for i := range entities {
			e := entities[i]
			col.put(&e)
		}
		s.collections[kind] = col
	}

	data, err := s.backend.Load(keyFinalOutput)
	if err == nil {
		var fo FinalOutput
		if err := json.Unmarshal(data, &fo); err == nil {
			s.finalOutput = &fo
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("load %s: %w", keyFinalOutput, err)
	}
	return nil
}

// Subscribe registers a callback invoked after every committed batch.
func (s *Store) Subscribe(fn func(CommitEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Get returns a copy of one entity.
func (s *Store) Get(kind Kind, id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.collections[kind].get(id)
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// List returns copies of a collection in insertion order.
func (s *Store) List(kind Kind) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[kind].list()
}

// Count returns the number of entities in a collection.
func (s *Store) Count(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[kind].entities)
}

// FinalOutput returns the stored deliverable, if any.
func (s *Store) FinalOutput() (FinalOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.finalOutput == nil {
		return FinalOutput{}, false
	}
	return *s.finalOutput, true
}

// SetFinalOutput persists the deliverable. The caller (the pipeline's
// output stage) decides Verified and Source.
func (s *Store) SetFinalOutput(fo FinalOutput) error {
	data, err := json.Marshal(&fo)
	if err != nil {
		return err
	}
	if err := s.backend.Save(keyFinalOutput, data); err != nil {
		return err
	}
	s.mu.Lock()
	s.finalOutput = &fo
	s.mu.Unlock()
	return nil
}

// VaultRead returns vault content, truncated when limit > 0. Reading
// an unknown id is a reference-integrity error, not an empty string.
func (s *Store) VaultRead(id string, limit int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.collections[KindVault].get(id)
	if !ok {
		return "", &ReferenceIntegrityError{Kind: KindVault, ID: id, Op: "read"}
	}
	return truncateRunes(e.Content, limit), nil
}

// truncateRunes caps s at limit characters without splitting a rune.
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

var vaultRefPattern = regexp.MustCompile(`\{\{vault:([A-Za-z0-9_.\-]+)\}\}`)

// ResolveVaultRefs replaces {{vault:ID}} tokens with stored content.
// Unknown references are left intact and returned for reporting.
func (s *Store) ResolveVaultRefs(text string) (string, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []string
	resolved := vaultRefPattern.ReplaceAllStringFunc(text, func(token string) string {
		id := vaultRefPattern.FindStringSubmatch(token)[1]
		e, ok := s.collections[KindVault].get(id)
		if !ok {
			missing = append(missing, id)
			return token
		}
		return e.Content
	})
	return resolved, missing
}

// commit swaps staged collections in and persists each dirty one with
// a single save. Called by Batch.Commit under the store lock.
func (s *Store) commit(staged map[Kind]*collection, counts map[Kind]int) error {
	s.mu.Lock()

	for kind, col := range staged {
		data, err := json.Marshal(col.list())
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("encode %s: %w", kind, err)
		}
		if err := s.backend.Save(collectionKey(kind), data); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("save %s: %w", kind, err)
		}
		s.collections[kind] = col
	}

	event := CommitEvent{
		Tasks:    counts[KindTask],
		Goals:    counts[KindGoal],
		Memories: counts[KindMemory],
		Vault:    counts[KindVault],
	}
	subscribers := append([]func(CommitEvent){}, s.subscribers...)
	s.mu.Unlock()

	logger.DebugCF("store", "Batch committed", map[string]any{
		"tasks": event.Tasks, "goals": event.Goals,
		"memories": event.Memories, "vault": event.Vault,
	})
	for _, fn := range subscribers {
		fn(event)
	}
	return nil
}

func collectionKey(kind Kind) string {
	switch kind {
	case KindTask:
		return keyTasks
	case KindGoal:
		return keyGoals
	case KindMemory:
		return keyMemories
	default:
		return keyVault
	}
}
