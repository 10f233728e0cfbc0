package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seapen/seapen/pkg/kv"
)

// Block kinds. A summary block replaces a span of iteration blocks
// after compaction.
const (
	blockIteration = "iteration"
	blockSummary   = "summary"
)

// Block is one entry of a session log: either the verbatim text of a
// single iteration or a compacted summary standing in for many.
type Block struct {
	Iteration int       `json:"iteration"` // 0 for summary blocks
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is an ordered append-then-compact sequence of blocks, persisted
// as one value under a single key.
type Log struct {
	key    string
	blocks []Block
}

func newLog(key string) *Log { return &Log{key: key} }

func (l *Log) append(iteration int, text string) {
	l.blocks = append(l.blocks, Block{
		Iteration: iteration,
		Kind:      blockIteration,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// highestIteration returns the largest iteration number present, 0
// when the log holds only summaries or nothing.
func (l *Log) highestIteration() int {
	highest := 0
	for _, b := range l.blocks {
		if b.Kind == blockIteration && b.Iteration > highest {
			highest = b.Iteration
		}
	}
	return highest
}

// iterationsBefore returns the sorted iteration numbers strictly
// below n.
func (l *Log) iterationsBefore(n int) []int {
	seen := map[int]bool{}
	for _, b := range l.blocks {
		if b.Kind == blockIteration && b.Iteration > 0 && b.Iteration < n {
			seen[b.Iteration] = true
		}
	}
	out := make([]int, 0, len(seen))
	for it := range seen {
		out = append(out, it)
	}
	sort.Ints(out)
	return out
}

// renderSpan concatenates all blocks with iteration < n, summaries
// included, in stored order.
func (l *Log) renderSpan(n int) string {
	var sb strings.Builder
	for _, b := range l.blocks {
		if b.Kind == blockSummary || b.Iteration < n {
			writeBlock(&sb, b)
		}
	}
	return sb.String()
}

// renderWindow renders the trailing blocks: every summary plus the
// last `window` iteration blocks. window <= 0 renders everything.
func (l *Log) renderWindow(window int) string {
	keepFrom := 0
	if window > 0 {
		count := 0
		for i := len(l.blocks) - 1; i >= 0; i-- {
			if l.blocks[i].Kind == blockIteration {
				count++
				if count == window {
					keepFrom = i
					break
				}
			}
		}
	}
	var sb strings.Builder
	for i, b := range l.blocks {
		if b.Kind == blockSummary || i >= keepFrom {
			writeBlock(&sb, b)
		}
	}
	return sb.String()
}

func writeBlock(sb *strings.Builder, b Block) {
	if b.Kind == blockSummary {
		sb.WriteString("=== Summary of earlier iterations ===\n")
	} else {
		fmt.Fprintf(sb, "=== Iteration %d ===\n", b.Iteration)
	}
	sb.WriteString(b.Text)
	if !strings.HasSuffix(b.Text, "\n") {
		sb.WriteString("\n")
	}
}

// replaceSpan drops every block with iteration <= upTo (prior
// summaries included) and puts a single summary block in their place.
// Blocks after the span are preserved verbatim.
func (l *Log) replaceSpan(upTo int, summaryText string) {
	replaced := []Block{{
		Kind:      blockSummary,
		Text:      summaryText,
		Timestamp: time.Now(),
	}}
	for _, b := range l.blocks {
		if b.Kind == blockIteration && b.Iteration > upTo {
			replaced = append(replaced, b)
		}
	}
	l.blocks = replaced
}

func (l *Log) snapshot() (json.RawMessage, error) {
	if l.blocks == nil {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(l.blocks)
}

func (l *Log) restore(raw json.RawMessage) error {
	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return fmt.Errorf("restore log %s: %w", l.key, err)
	}
	l.blocks = blocks
	return nil
}

func (l *Log) byteSize() int {
	n := 0
	for _, b := range l.blocks {
		n += len(b.Text)
	}
	return n
}

// Logs bundles the three session logs. All access is serialized; the
// compactor and the iteration loop share one instance.
type Logs struct {
	mu           sync.Mutex
	backend      kv.Store
	reasoning    *Log
	execution    *Log
	toolActivity *Log
}

const (
	keyReasoningLog    = "log:reasoning"
	keyExecutionLog    = "log:execution"
	keyToolActivityLog = "log:tool_activity"
)

func NewLogs(backend kv.Store) (*Logs, error) {
	logs := &Logs{
		backend:      backend,
		reasoning:    newLog(keyReasoningLog),
		execution:    newLog(keyExecutionLog),
		toolActivity: newLog(keyToolActivityLog),
	}
	for _, l := range logs.all() {
		raw, err := backend.Load(l.key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", l.key, err)
		}
		if err := l.restore(raw); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

func (sl *Logs) all() []*Log {
	return []*Log{sl.reasoning, sl.execution, sl.toolActivity}
}

// AppendReasoning records the model's narration for one iteration.
func (sl *Logs) AppendReasoning(iteration int, text string) error {
	return sl.appendTo(sl.reasoning, iteration, text)
}

// AppendExecution records script and pipeline outcomes.
func (sl *Logs) AppendExecution(iteration int, text string) error {
	return sl.appendTo(sl.execution, iteration, text)
}

// AppendToolActivity records the applied entity operations.
func (sl *Logs) AppendToolActivity(iteration int, text string) error {
	return sl.appendTo(sl.toolActivity, iteration, text)
}

func (sl *Logs) appendTo(l *Log, iteration int, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	l.append(iteration, text)
	return sl.persist(l)
}

// ReasoningWindow renders the prompt-facing slice of the reasoning
// log: summaries plus the last `window` iterations.
func (sl *Logs) ReasoningWindow(window int) string {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.reasoning.renderWindow(window)
}

// ExecutionWindow renders the recent execution log entries.
func (sl *Logs) ExecutionWindow(window int) string {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.execution.renderWindow(window)
}

// HighestIteration scans the reasoning log.
func (sl *Logs) HighestIteration() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.reasoning.highestIteration()
}

func (sl *Logs) persist(l *Log) error {
	raw, err := l.snapshot()
	if err != nil {
		return err
	}
	return sl.backend.Save(l.key, raw)
}

func (sl *Logs) persistAll() error {
	for _, l := range sl.all() {
		if err := sl.persist(l); err != nil {
			return err
		}
	}
	return nil
}
