// Package pipeline applies a parsed OperationSet to the knowledge
// store in a fixed stage order: vault first (later stages dereference
// it), then memory, tasks and goals, then script execution against the
// freshly committed state, and the final output last.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/seapen/seapen/pkg/logger"
	"github.com/seapen/seapen/pkg/markup"
	"github.com/seapen/seapen/pkg/sandbox"
	"github.com/seapen/seapen/pkg/store"
)

// EntityResult records one applied or failed entity operation.
type EntityResult struct {
	Kind store.Kind
	Op   string
	ID   string
	Err  string // empty on success
}

// VaultReadResult is content surfaced back into the running log for
// the model's next turn.
type VaultReadResult struct {
	ID      string
	Content string
	Err     string
}

// Summary is the structured outcome of one pipeline run. Partial
// failures are recorded here, never raised as a run failure.
type Summary struct {
	PerEntity     []EntityResult
	VaultReads    []VaultReadResult
	ScriptResults []sandbox.Result
	FinalStored   bool
	Errors        []string
	Duration      time.Duration
}

// ErrorCount returns the number of failed operations in the run.
func (s *Summary) ErrorCount() int {
	return len(s.Errors)
}

// Pipeline wires the knowledge store and the script sandbox.
type Pipeline struct {
	kb       *store.Store
	executor *sandbox.Executor
}

func New(kb *store.Store, executor *sandbox.Executor) *Pipeline {
	return &Pipeline{kb: kb, executor: executor}
}

// Run applies the set. Entity mutations are buffered into one batch
// and committed before any script runs; scripts therefore observe the
// updated store. The only hard failure is the batch commit itself.
func (p *Pipeline) Run(ctx context.Context, set *markup.OperationSet) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}

	batch := p.kb.NewBatch()

	// Stage order is fixed; empty stages are skipped.
	p.applyEntityOps(batch, store.KindVault, set.Vault, summary)
	p.applyEntityOps(batch, store.KindMemory, set.Memories, summary)
	p.applyEntityOps(batch, store.KindTask, set.Tasks, summary)
	p.applyEntityOps(batch, store.KindGoal, set.Goals, summary)

	if err := batch.Commit(); err != nil {
		return summary, fmt.Errorf("commit entity batch: %w", err)
	}

	// Vault reads resolve against the committed state so a read can
	// see an entry upserted earlier in the same response.
	p.applyVaultReads(set.Vault, summary)

	p.runScripts(ctx, set.Scripts, summary)
	p.storeFinalOutput(set.FinalOutputs, summary)

	summary.Duration = time.Since(start)
	logger.InfoCF("pipeline", "Pipeline run finished", map[string]any{
		"operations": set.Count(),
		"errors":     len(summary.Errors),
		"duration":   summary.Duration.Round(time.Millisecond).String(),
	})
	return summary, nil
}

func (p *Pipeline) applyEntityOps(batch *store.Batch, kind store.Kind, ops []markup.EntityOp, summary *Summary) {
	for _, op := range ops {
		if op.Kind == markup.OpRead {
			continue // handled after commit
		}

		result := EntityResult{Kind: kind, Op: op.Kind.String(), ID: op.ID}
		if op.ID == "" {
			result.Err = "missing identifier"
			p.report(summary, result)
			continue
		}

		switch op.Kind {
		case markup.OpDelete:
			if err := batch.Delete(kind, op.ID); err != nil {
				result.Err = err.Error()
			}
		case markup.OpUpsert:
			result.Err = p.applyUpsert(batch, kind, op)
		}
		p.report(summary, result)
	}
}

// applyUpsert distinguishes a full upsert (heading + body present)
// from a notes/status-only patch, which requires the identifier to
// already exist.
func (p *Pipeline) applyUpsert(batch *store.Batch, kind store.Kind, op markup.EntityOp) string {
	if op.HasBody && op.Heading != "" {
		batch.Upsert(kind, op.ID, op.Heading, op.Content)
		if op.HasNotes {
			batch.SetNotes(kind, op.ID, op.Notes)
		}
		if kind == store.KindTask {
			status, err := store.ParseTaskStatus(op.Status)
			if err != nil {
				return err.Error()
			}
			batch.SetTaskStatus(op.ID, status)
		}
		return ""
	}

	// Patch form: no body means the entity must already exist.
	patched := false
	if op.HasNotes {
		if err := batch.PatchNotes(kind, op.ID, op.Notes); err != nil {
			return err.Error()
		}
		patched = true
	}
	if kind == store.KindTask && op.Status != "" {
		status, err := store.ParseTaskStatus(op.Status)
		if err != nil {
			return err.Error()
		}
		if err := batch.PatchTaskStatus(op.ID, status); err != nil {
			return err.Error()
		}
		patched = true
	}
	if !patched {
		return "upsert requires heading and content (or notes/status to patch)"
	}
	return ""
}

func (p *Pipeline) applyVaultReads(ops []markup.EntityOp, summary *Summary) {
	for _, op := range ops {
		if op.Kind != markup.OpRead {
			continue
		}
		read := VaultReadResult{ID: op.ID}
		content, err := p.kb.VaultRead(op.ID, op.Limit)
		if err != nil {
			read.Err = err.Error()
			summary.Errors = append(summary.Errors, err.Error())
		} else {
			read.Content = content
		}
		summary.VaultReads = append(summary.VaultReads, read)
	}
}

// runScripts executes sequentially in encounter order; a failing
// script is recorded and the next one still runs.
func (p *Pipeline) runScripts(ctx context.Context, scripts []markup.ScriptOp, summary *Summary) {
	for i, script := range scripts {
		code, missing := p.kb.ResolveVaultRefs(script.Code)
		for _, id := range missing {
			summary.Errors = append(summary.Errors, fmt.Sprintf("script %d: unresolved vault reference %q", i+1, id))
		}

		timeout := time.Duration(script.TimeoutSeconds) * time.Second
		result := p.executor.Execute(ctx, code, timeout)
		summary.ScriptResults = append(summary.ScriptResults, result)
		if !result.Success {
			summary.Errors = append(summary.Errors, fmt.Sprintf("script %d: %s", i+1, result.Err))
		}
	}
}

// storeFinalOutput keeps only the last block when several are present,
// resolves its vault references, and stores it verified. This is the
// single code path that sets Verified=true.
func (p *Pipeline) storeFinalOutput(outputs []markup.FinalOutputOp, summary *Summary) {
	if len(outputs) == 0 {
		return
	}
	last := outputs[len(outputs)-1]

	html, missing := p.kb.ResolveVaultRefs(last.HTML)
	for _, id := range missing {
		summary.Errors = append(summary.Errors, fmt.Sprintf("final output: unresolved vault reference %q", id))
	}

	err := p.kb.SetFinalOutput(store.FinalOutput{
		HTML:      html,
		Verified:  true,
		Source:    "model",
		Timestamp: time.Now(),
	})
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("store final output: %v", err))
		return
	}
	summary.FinalStored = true
}

func (p *Pipeline) report(summary *Summary, result EntityResult) {
	summary.PerEntity = append(summary.PerEntity, result)
	if result.Err != "" {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s %s %q: %s", result.Op, result.Kind, result.ID, result.Err))
	}
}
