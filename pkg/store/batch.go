package store

import "time"

// Batch buffers mutations against copy-on-write snapshots of the
// collections it touches. Commit applies everything with at most one
// durable save per collection, so a later pipeline stage failing never
// leaves a half-written store.
type Batch struct {
	store  *Store
	staged map[Kind]*collection
	counts map[Kind]int
	now    func() time.Time
}

func (s *Store) NewBatch() *Batch {
	return &Batch{
		store:  s,
		staged: map[Kind]*collection{},
		counts: map[Kind]int{},
		now:    time.Now,
	}
}

// working returns the staged copy of a collection, cloning it from the
// store on first touch.
func (b *Batch) working(kind Kind) *collection {
	if col, ok := b.staged[kind]; ok {
		return col
	}
	b.store.mu.RLock()
	col := b.store.collections[kind].clone()
	b.store.mu.RUnlock()
	b.staged[kind] = col
	return col
}

// Get reads through the batch: staged state if the collection was
// touched, committed state otherwise.
func (b *Batch) Get(kind Kind, id string) (Entity, bool) {
	if col, ok := b.staged[kind]; ok {
		e, found := col.get(id)
		if !found {
			return Entity{}, false
		}
		return *e, true
	}
	return b.store.Get(kind, id)
}

// Upsert creates the entity when the identifier is unknown, otherwise
// updates heading and content in place.
func (b *Batch) Upsert(kind Kind, id, heading, content string) {
	col := b.working(kind)
	now := b.now()
	if existing, ok := col.get(id); ok {
		existing.Heading = heading
		existing.Content = content
		existing.UpdatedAt = now
	} else {
		col.put(&Entity{
			ID:        id,
			Heading:   heading,
			Content:   content,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	b.counts[kind]++
}

// PatchNotes updates only the notes field. The identifier must already
// exist; patching an unknown one is a reference-integrity error, never
// an implicit create.
func (b *Batch) PatchNotes(kind Kind, id, notes string) error {
	col := b.working(kind)
	existing, ok := col.get(id)
	if !ok {
		return &ReferenceIntegrityError{Kind: kind, ID: id, Op: "patch notes"}
	}
	existing.Notes = notes
	existing.UpdatedAt = b.now()
	b.counts[kind]++
	return nil
}

// SetNotes sets notes alongside an upsert that already ensured the
// entity exists.
func (b *Batch) SetNotes(kind Kind, id, notes string) {
	col := b.working(kind)
	if existing, ok := col.get(id); ok {
		existing.Notes = notes
	}
}

// PatchTaskStatus updates a task's status without touching its body.
func (b *Batch) PatchTaskStatus(id string, status TaskStatus) error {
	col := b.working(KindTask)
	existing, ok := col.get(id)
	if !ok {
		return &ReferenceIntegrityError{Kind: KindTask, ID: id, Op: "patch status"}
	}
	existing.Status = status
	existing.UpdatedAt = b.now()
	b.counts[KindTask]++
	return nil
}

// SetTaskStatus sets status on a task the batch just upserted.
func (b *Batch) SetTaskStatus(id string, status TaskStatus) {
	col := b.working(KindTask)
	if existing, ok := col.get(id); ok {
		existing.Status = status
	}
}

// Delete removes an entity. Deleting an unknown identifier is a
// reference-integrity error and leaves the collection untouched.
func (b *Batch) Delete(kind Kind, id string) error {
	col := b.working(kind)
	if !col.remove(id) {
		return &ReferenceIntegrityError{Kind: kind, ID: id, Op: "delete"}
	}
	b.counts[kind]++
	return nil
}

// Dirty reports whether any collection has staged changes.
func (b *Batch) Dirty() bool {
	for _, n := range b.counts {
		if n > 0 {
			return true
		}
	}
	return false
}

// Commit persists every dirty collection (one save each) and emits the
// EntitiesCommitted event. A batch with no effective changes commits
// nothing.
func (b *Batch) Commit() error {
	dirty := map[Kind]*collection{}
	for kind, col := range b.staged {
		if b.counts[kind] > 0 {
			dirty[kind] = col
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	return b.store.commit(dirty, b.counts)
}
