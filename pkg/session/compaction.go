package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/seapen/seapen/pkg/logger"
	"github.com/seapen/seapen/pkg/provider"
	"github.com/seapen/seapen/pkg/store"
)

// DefaultCompactionInterval is the iteration cadence of automatic
// compaction.
const DefaultCompactionInterval = 15

// ErrCompactionInFlight rejects a second trigger while one is
// running. Triggers are rejected, never queued.
var ErrCompactionInFlight = errors.New("compaction already in progress")

// ErrNothingToCompact means the log holds fewer than two iterations.
var ErrNothingToCompact = errors.New("not enough iterations to compact")

// CompactionError wraps a summarization failure after the whole model
// chain has been tried. The log is untouched when this is returned.
type CompactionError struct {
	Models []string
	Last   error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("compaction failed across models %s: %v", strings.Join(e.Models, ", "), e.Last)
}

func (e *CompactionError) Unwrap() error { return e.Last }

// CompactionResult reports one successful compaction.
type CompactionResult struct {
	ArchiveKey        string
	IterationsCovered []int
	ReductionPercent  float64
}

// Dispatcher is the slice of the retry dispatcher the compactor and
// the session loop need.
type Dispatcher interface {
	Dispatch(ctx context.Context, req provider.CompletionRequest, maxRounds int) (*provider.CompletionResponse, error)
}

// Compactor summarizes old iteration history into a single block,
// archiving the originals first so a bad summary can be rolled back.
type Compactor struct {
	dispatcher Dispatcher
	logs       *Logs
	kb         *store.Store
	ring       *ArchiveRing
	models     []string // fallback chain, tried in order
	gen        provider.GenerationConfig
	interval   int
	maxRounds  int
	compacting atomic.Bool
}

func NewCompactor(dispatcher Dispatcher, logs *Logs, kb *store.Store, ring *ArchiveRing, models []string, interval, maxRounds int) *Compactor {
	if interval <= 0 {
		interval = DefaultCompactionInterval
	}
	if maxRounds <= 0 {
		maxRounds = 1
	}
	return &Compactor{
		dispatcher: dispatcher,
		logs:       logs,
		kb:         kb,
		ring:       ring,
		models:     models,
		gen:        provider.GenerationConfig{Temperature: 0.2, MaxOutputTokens: 4096},
		interval:   interval,
		maxRounds:  maxRounds,
	}
}

// Due reports whether the automatic cadence fires for this iteration.
func (c *Compactor) Due(iteration int) bool {
	return iteration > 0 && iteration%c.interval == 0
}

// Compact summarizes iterations [1, upTo-1] and replaces them in the
// reasoning log, keeping iteration upTo verbatim. upTo <= 0 selects
// the highest iteration present (the manual trigger). The sequence is
// gather, archive, summarize, replace; any failure before the replace
// leaves every log byte-identical.
func (c *Compactor) Compact(ctx context.Context, sessionID, reason string, upTo int) (*CompactionResult, error) {
	if !c.compacting.CompareAndSwap(false, true) {
		return nil, ErrCompactionInFlight
	}
	defer c.compacting.Store(false)

	c.logs.mu.Lock()
	if upTo <= 0 {
		upTo = c.logs.reasoning.highestIteration()
	}
	covered := c.logs.reasoning.iterationsBefore(upTo)
	span := c.logs.reasoning.renderSpan(upTo)
	sizeBefore := c.logs.reasoning.byteSize()
	c.logs.mu.Unlock()

	if len(covered) == 0 {
		return nil, ErrNothingToCompact
	}

	archiveKey, err := c.ring.Capture(c.logs, sessionID, reason, covered)
	if err != nil {
		return nil, fmt.Errorf("archive before compaction: %w", err)
	}

	summary, err := c.summarize(ctx, span)
	if err != nil {
		logger.WarnCF("compaction", "Compaction abandoned, log untouched", map[string]any{
			"archive": archiveKey,
			"error":   err.Error(),
		})
		return nil, err
	}

	c.logs.mu.Lock()
	c.logs.reasoning.replaceSpan(upTo-1, summary)
	marker := fmt.Sprintf("entries up to iteration %d compacted; archived under %s", upTo-1, archiveKey)
	c.logs.execution.replaceSpan(upTo-1, marker)
	c.logs.toolActivity.replaceSpan(upTo-1, marker)
	persistErr := c.logs.persistAll()
	sizeAfter := c.logs.reasoning.byteSize()
	c.logs.mu.Unlock()
	if persistErr != nil {
		return nil, fmt.Errorf("persist compacted logs: %w", persistErr)
	}

	result := &CompactionResult{
		ArchiveKey:        archiveKey,
		IterationsCovered: covered,
		ReductionPercent:  reduction(sizeBefore, sizeAfter),
	}
	logger.InfoCF("compaction", "Log compacted", map[string]any{
		"iterations": len(covered),
		"reduction":  fmt.Sprintf("%.1f%%", result.ReductionPercent),
		"archive":    archiveKey,
	})
	return result, nil
}

// summarize walks the model fallback chain, returning the first
// non-empty summary. The final error surfaces only when every model
// fails.
func (c *Compactor) summarize(ctx context.Context, span string) (string, error) {
	prompt := c.buildPrompt(span)
	var lastErr error
	for _, model := range c.models {
		resp, err := c.dispatcher.Dispatch(ctx, provider.CompletionRequest{
			Model:      model,
			Prompt:     prompt,
			Generation: c.gen,
		}, c.maxRounds)
		if err != nil {
			lastErr = err
			logger.WarnCF("compaction", "Summarization model failed, trying next", map[string]any{
				"model": model,
				"error": err.Error(),
			})
			continue
		}
		if text := strings.TrimSpace(resp.Text); text != "" {
			return text, nil
		}
		lastErr = fmt.Errorf("model %s returned an empty summary", model)
	}
	return "", &CompactionError{Models: c.models, Last: lastErr}
}

func (c *Compactor) buildPrompt(span string) string {
	var sb strings.Builder
	sb.WriteString("Condense the session history below into a factual summary.\n")
	sb.WriteString("Keep only information that was verified to be true. ")
	sb.WriteString("Drop abandoned approaches, dead ends and reasoning that turned out to be wrong. ")
	sb.WriteString("Preserve identifiers of tasks, goals, memories and vault entries that are still referenced.\n\n")

	sb.WriteString("Current working state (labels only):\n")
	writeLabels(&sb, "Tasks", c.kb.List(store.KindTask))
	writeLabels(&sb, "Goals", c.kb.List(store.KindGoal))
	writeLabels(&sb, "Memories", c.kb.List(store.KindMemory))
	writeLabels(&sb, "Vault", c.kb.List(store.KindVault))

	sb.WriteString("\nHISTORY:\n")
	sb.WriteString(span)
	return sb.String()
}

func writeLabels(sb *strings.Builder, title string, entities []store.Entity) {
	if len(entities) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", title)
	for _, e := range entities {
		fmt.Fprintf(sb, "  - %s: %s", e.ID, e.Heading)
		if e.Status != "" {
			fmt.Fprintf(sb, " [%s]", e.Status)
		}
		sb.WriteString("\n")
	}
}

func reduction(before, after int) float64 {
	if before == 0 {
		return 0
	}
	return float64(before-after) / float64(before) * 100
}
