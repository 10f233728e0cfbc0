// Package sandbox executes model-requested code blocks in an isolated
// Starlark interpreter. Scripts get read access to the committed
// knowledge store through a small builtin API and nothing else: no
// filesystem, no network, no host process state.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/seapen/seapen/pkg/store"
)

const DefaultTimeout = 30 * time.Second

// Result captures one execution: console output and the return value
// are recorded whether or not the script succeeded.
type Result struct {
	Success      bool
	Value        string
	ConsoleLines []string
	ElapsedMs    int64
	Err          string
}

// Executor runs scripts sequentially with a hard per-script timeout.
type Executor struct {
	timeout time.Duration
	kb      *store.Store
}

func NewExecutor(kb *store.Store, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout, kb: kb}
}

// Execute runs one script. An expression evaluates to its own value;
// a statement block returns the `result` global when the script sets
// one. A timeout or runtime error yields a failed Result, never an
// error return: a hung script must not take the session down with it.
func (e *Executor) Execute(ctx context.Context, code string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = e.timeout
	}

	var console []string
	thread := &starlark.Thread{
		Name: "sandbox",
		Print: func(_ *starlark.Thread, msg string) {
			console = append(console, msg)
		},
	}

	// Hard timeout: cancellation interrupts the interpreter between
	// Starlark instructions.
	timer := time.AfterFunc(timeout, func() {
		thread.Cancel("timeout")
	})
	defer timer.Stop()
	if ctx != nil {
		stop := context.AfterFunc(ctx, func() {
			thread.Cancel("context cancelled")
		})
		defer stop()
	}

	globals := e.builtins()
	opts := &syntax.FileOptions{Set: true, While: true, TopLevelControl: true, GlobalReassign: true, Recursion: true}

	start := time.Now()
	value, err := run(thread, opts, code, globals)
	elapsed := time.Since(start)

	result := Result{
		ConsoleLines: console,
		ElapsedMs:    elapsed.Milliseconds(),
	}
	if err != nil {
		result.Err = errText(err)
		return result
	}
	result.Success = true
	if value != nil && value != starlark.None {
		result.Value = value.String()
	}
	return result
}

// run picks the expression form when the code parses as a single
// expression, the statement-block form otherwise.
func run(thread *starlark.Thread, opts *syntax.FileOptions, code string, globals starlark.StringDict) (starlark.Value, error) {
	if expr, err := opts.ParseExpr("script", code, 0); err == nil {
		return starlark.EvalExprOptions(opts, thread, expr, globals)
	}

	out, err := starlark.ExecFileOptions(opts, thread, "script", code, globals)
	if err != nil {
		return nil, err
	}
	if v, ok := out["result"]; ok {
		return v, nil
	}
	return starlark.None, nil
}

func errText(err error) string {
	var evalErr *starlark.EvalError
	if ok := asEvalError(err, &evalErr); ok {
		return evalErr.Backtrace()
	}
	return err.Error()
}

func asEvalError(err error, target **starlark.EvalError) bool {
	if e, ok := err.(*starlark.EvalError); ok {
		*target = e
		return true
	}
	return false
}

// builtins exposes read access to the committed knowledge store.
func (e *Executor) builtins() starlark.StringDict {
	return starlark.StringDict{
		"get_task":   e.getter("get_task", store.KindTask),
		"get_goal":   e.getter("get_goal", store.KindGoal),
		"get_memory": e.getter("get_memory", store.KindMemory),
		"list_tasks": starlark.NewBuiltin("list_tasks", e.listTasks),
		"vault_read": starlark.NewBuiltin("vault_read", e.vaultRead),
	}
}

func (e *Executor) getter(name string, kind store.Kind) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var id string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &id); err != nil {
			return nil, err
		}
		entity, ok := e.kb.Get(kind, id)
		if !ok {
			return starlark.None, nil
		}
		return entityDict(entity), nil
	})
}

func (e *Executor) listTasks(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	tasks := e.kb.List(store.KindTask)
	elems := make([]starlark.Value, len(tasks))
	for i, t := range tasks {
		elems[i] = entityDict(t)
	}
	return starlark.NewList(elems), nil
}

func (e *Executor) vaultRead(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	limit := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id, "limit?", &limit); err != nil {
		return nil, err
	}
	content, err := e.kb.VaultRead(id, limit)
	if err != nil {
		return nil, fmt.Errorf("vault_read: %w", err)
	}
	return starlark.String(content), nil
}

func entityDict(e store.Entity) *starlark.Dict {
	d := starlark.NewDict(5)
	d.SetKey(starlark.String("id"), starlark.String(e.ID))
	d.SetKey(starlark.String("heading"), starlark.String(e.Heading))
	d.SetKey(starlark.String("content"), starlark.String(e.Content))
	d.SetKey(starlark.String("notes"), starlark.String(e.Notes))
	if e.Status != "" {
		d.SetKey(starlark.String("status"), starlark.String(string(e.Status)))
	}
	return d
}

// FormatResult renders one result for the execution log.
func FormatResult(index int, r Result) string {
	var sb strings.Builder
	if r.Success {
		fmt.Fprintf(&sb, "script %d: ok (%dms)", index, r.ElapsedMs)
		if r.Value != "" {
			fmt.Fprintf(&sb, " -> %s", r.Value)
		}
	} else {
		fmt.Fprintf(&sb, "script %d: failed (%dms): %s", index, r.ElapsedMs, r.Err)
	}
	for _, line := range r.ConsoleLines {
		fmt.Fprintf(&sb, "\n  console: %s", line)
	}
	return sb.String()
}
