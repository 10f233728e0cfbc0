// Package store is the persistent knowledge store: tasks, goals,
// memory notes, the content vault, and the final deliverable. All
// mutation flows through a Batch so each pipeline run commits at most
// once per collection.
package store

import (
	"fmt"
	"time"
)

// Kind names one of the four entity collections.
type Kind string

const (
	KindTask   Kind = "task"
	KindGoal   Kind = "goal"
	KindMemory Kind = "memory"
	KindVault  Kind = "vault"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending  TaskStatus = "pending"
	StatusOngoing  TaskStatus = "ongoing"
	StatusFinished TaskStatus = "finished"
	StatusPaused   TaskStatus = "paused"
)

// ParseTaskStatus validates a status string; empty defaults to pending.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case "":
		return StatusPending, nil
	case StatusPending, StatusOngoing, StatusFinished, StatusPaused:
		return TaskStatus(s), nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}

// Entity is one knowledge record. Identifiers are caller supplied and
// unique within their collection. Status is meaningful for tasks only.
type Entity struct {
	ID        string     `json:"id"`
	Heading   string     `json:"heading"`
	Content   string     `json:"content"`
	Notes     string     `json:"notes,omitempty"`
	Status    TaskStatus `json:"status,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// FinalOutput is the session deliverable. Verified=true is set only by
// the pipeline's model-sourced output stage.
type FinalOutput struct {
	HTML      string    `json:"html"`
	Verified  bool      `json:"verified"`
	Source    string    `json:"source"` // "model" or "auto"
	Timestamp time.Time `json:"timestamp"`
}

// ReferenceIntegrityError reports an operation against an unknown
// identifier. It is surfaced in summaries, never raised as a panic or
// a pipeline abort.
type ReferenceIntegrityError struct {
	Kind Kind
	ID   string
	Op   string
}

func (e *ReferenceIntegrityError) Error() string {
	return fmt.Sprintf("%s %q: %s references unknown identifier", e.Kind, e.ID, e.Op)
}

// collection keeps entities addressable by id while preserving
// insertion order for listing and prompt building.
type collection struct {
	entities map[string]*Entity
	order    []string
}

func newCollection() *collection {
	return &collection{entities: map[string]*Entity{}}
}

func (c *collection) get(id string) (*Entity, bool) {
	e, ok := c.entities[id]
	return e, ok
}

func (c *collection) put(e *Entity) {
	if _, exists := c.entities[e.ID]; !exists {
		c.order = append(c.order, e.ID)
	}
	c.entities[e.ID] = e
}

func (c *collection) remove(id string) bool {
	if _, ok := c.entities[id]; !ok {
		return false
	}
	delete(c.entities, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

func (c *collection) list() []Entity {
	out := make([]Entity, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.entities[id])
	}
	return out
}

func (c *collection) clone() *collection {
	cp := &collection{
		entities: make(map[string]*Entity, len(c.entities)),
		order:    append([]string(nil), c.order...),
	}
	for id, e := range c.entities {
		copied := *e
		cp.entities[id] = &copied
	}
	return cp
}
