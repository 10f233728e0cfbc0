package store

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/seapen/seapen/pkg/kv"
)

// countingStore wraps the memory backend to count durable saves.
type countingStore struct {
	*kv.MemoryStore
	mu    sync.Mutex
	saves map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: kv.NewMemoryStore(), saves: map[string]int{}}
}

func (c *countingStore) Save(key string, value []byte) error {
	c.mu.Lock()
	c.saves[key]++
	c.mu.Unlock()
	return c.MemoryStore.Save(key, value)
}

func openTestStore(t *testing.T) (*Store, *countingStore) {
	t.Helper()
	backend := newCountingStore()
	s, err := Open(backend)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, backend
}

func TestBatchUpsertAndCommit(t *testing.T) {
	s, backend := openTestStore(t)

	b := s.NewBatch()
	b.Upsert(KindTask, "t1", "First", "do the thing")
	b.Upsert(KindTask, "t2", "Second", "do the other thing")
	b.Upsert(KindMemory, "m1", "Note", "remember")
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if n := s.Count(KindTask); n != 2 {
		t.Errorf("expected 2 tasks, got %d", n)
	}
	e, ok := s.Get(KindTask, "t1")
	if !ok {
		t.Fatal("t1 not found")
	}
	if e.Heading != "First" || e.Content != "do the thing" {
		t.Errorf("unexpected entity %+v", e)
	}
	if e.Status != StatusPending {
		t.Errorf("new task should default to pending, got %s", e.Status)
	}

	// One save per dirty collection, not per entity.
	if backend.saves["entities:tasks"] != 1 {
		t.Errorf("expected 1 task save, got %d", backend.saves["entities:tasks"])
	}
	if backend.saves["entities:memories"] != 1 {
		t.Errorf("expected 1 memory save, got %d", backend.saves["entities:memories"])
	}
	if backend.saves["entities:goals"] != 0 {
		t.Errorf("untouched collection saved %d times", backend.saves["entities:goals"])
	}
}

func TestBatchUpsertUpdatesInPlace(t *testing.T) {
	s, _ := openTestStore(t)

	b := s.NewBatch()
	b.Upsert(KindGoal, "g1", "Old", "old content")
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	b = s.NewBatch()
	b.Upsert(KindGoal, "g1", "New", "new content")
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	if n := s.Count(KindGoal); n != 1 {
		t.Fatalf("expected 1 goal after update, got %d", n)
	}
	e, _ := s.Get(KindGoal, "g1")
	if e.Heading != "New" {
		t.Errorf("expected updated heading, got %q", e.Heading)
	}
}

func TestDeleteUnknownIsReferenceIntegrityError(t *testing.T) {
	s, backend := openTestStore(t)

	b := s.NewBatch()
	err := b.Delete(KindTask, "ghost")
	var rie *ReferenceIntegrityError
	if !errors.As(err, &rie) {
		t.Fatalf("expected ReferenceIntegrityError, got %v", err)
	}
	if rie.ID != "ghost" || rie.Kind != KindTask {
		t.Errorf("error should name the unknown identifier: %+v", rie)
	}

	// The failed delete must not dirty the store.
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	if backend.saves["entities:tasks"] != 0 {
		t.Errorf("store mutated by failed delete: %d saves", backend.saves["entities:tasks"])
	}
}

func TestPatchNotesRequiresExistence(t *testing.T) {
	s, _ := openTestStore(t)

	b := s.NewBatch()
	if err := b.PatchNotes(KindMemory, "nope", "notes"); err == nil {
		t.Fatal("expected error patching unknown identifier")
	}

	b.Upsert(KindMemory, "m1", "H", "C")
	if err := b.PatchNotes(KindMemory, "m1", "annotated"); err != nil {
		t.Fatalf("patch existing: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	e, _ := s.Get(KindMemory, "m1")
	if e.Notes != "annotated" {
		t.Errorf("expected notes persisted, got %q", e.Notes)
	}
}

func TestPatchTaskStatus(t *testing.T) {
	s, _ := openTestStore(t)

	b := s.NewBatch()
	b.Upsert(KindTask, "t1", "H", "C")
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	b = s.NewBatch()
	if err := b.PatchTaskStatus("t1", StatusFinished); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	e, _ := s.Get(KindTask, "t1")
	if e.Status != StatusFinished {
		t.Errorf("expected finished, got %s", e.Status)
	}

	if err := s.NewBatch().PatchTaskStatus("ghost", StatusOngoing); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestCommitEmitsEvent(t *testing.T) {
	s, _ := openTestStore(t)

	var events []CommitEvent
	s.Subscribe(func(ev CommitEvent) { events = append(events, ev) })

	b := s.NewBatch()
	b.Upsert(KindTask, "t1", "H", "C")
	b.Upsert(KindVault, "v1", "V", "data")
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Tasks != 1 || events[0].Vault != 1 {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestEmptyBatchCommitsNothing(t *testing.T) {
	s, backend := openTestStore(t)
	if err := s.NewBatch().Commit(); err != nil {
		t.Fatal(err)
	}
	if len(backend.saves) != 0 {
		t.Errorf("empty batch wrote to the backend: %v", backend.saves)
	}
}

func TestVaultRead(t *testing.T) {
	s, _ := openTestStore(t)
	b := s.NewBatch()
	b.Upsert(KindVault, "v1", "Data", "0123456789")
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	content, err := s.VaultRead("v1", 0)
	if err != nil || content != "0123456789" {
		t.Errorf("full read: %q, %v", content, err)
	}
	content, err = s.VaultRead("v1", 4)
	if err != nil || content != "0123" {
		t.Errorf("limited read: %q, %v", content, err)
	}

	_, err = s.VaultRead("missing", 0)
	var rie *ReferenceIntegrityError
	if !errors.As(err, &rie) {
		t.Fatalf("expected ReferenceIntegrityError, got %v", err)
	}
}

func TestVaultReadLimitCountsCharacters(t *testing.T) {
	s, _ := openTestStore(t)
	b := s.NewBatch()
	b.Upsert(KindVault, "v1", "Data", "héllo wörld")
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	content, err := s.VaultRead("v1", 2)
	if err != nil || content != "hé" {
		t.Errorf("expected two characters, got %q, %v", content, err)
	}
	if !utf8.ValidString(content) {
		t.Errorf("truncation produced invalid UTF-8: %q", content)
	}
	content, err = s.VaultRead("v1", 100)
	if err != nil || content != "héllo wörld" {
		t.Errorf("limit past the end must return everything, got %q, %v", content, err)
	}
}

func TestResolveVaultRefs(t *testing.T) {
	s, _ := openTestStore(t)
	b := s.NewBatch()
	b.Upsert(KindVault, "chart-1", "Chart", "<svg>chart</svg>")
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	resolved, missing := s.ResolveVaultRefs(`before {{vault:chart-1}} after {{vault:ghost}}`)
	if !strings.Contains(resolved, "<svg>chart</svg>") {
		t.Errorf("reference not resolved: %q", resolved)
	}
	if !strings.Contains(resolved, "{{vault:ghost}}") {
		t.Errorf("unknown reference should remain intact: %q", resolved)
	}
	if len(missing) != 1 || missing[0] != "ghost" {
		t.Errorf("expected missing [ghost], got %v", missing)
	}
}

func TestFinalOutputRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	if _, ok := s.FinalOutput(); ok {
		t.Fatal("expected no final output initially")
	}
	if err := s.SetFinalOutput(FinalOutput{HTML: "<p>done</p>", Verified: true, Source: "model"}); err != nil {
		t.Fatal(err)
	}
	fo, ok := s.FinalOutput()
	if !ok || !fo.Verified || fo.HTML != "<p>done</p>" {
		t.Errorf("unexpected final output %+v", fo)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	backend := newCountingStore()
	s, err := Open(backend)
	if err != nil {
		t.Fatal(err)
	}
	b := s.NewBatch()
	b.Upsert(KindTask, "t1", "H", "C")
	b.Upsert(KindVault, "v1", "V", "data")
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(backend)
	if err != nil {
		t.Fatal(err)
	}
	if n := reopened.Count(KindTask); n != 1 {
		t.Errorf("expected 1 task after reopen, got %d", n)
	}
	e, ok := reopened.Get(KindVault, "v1")
	if !ok || e.Content != "data" {
		t.Errorf("vault entry lost on reopen: %+v, %v", e, ok)
	}
}
