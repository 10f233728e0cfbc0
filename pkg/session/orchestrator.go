package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seapen/seapen/pkg/logger"
	"github.com/seapen/seapen/pkg/markup"
	"github.com/seapen/seapen/pkg/pipeline"
	"github.com/seapen/seapen/pkg/provider"
	"github.com/seapen/seapen/pkg/sandbox"
	"github.com/seapen/seapen/pkg/store"
)

// Options bounds one session.
type Options struct {
	MaxIterations        int
	MaxConsecutiveErrors int
	IterationDelay       time.Duration
	LogWindow            int
	Model                string
	MaxRounds            int
	Generation           provider.GenerationConfig
}

func (o *Options) normalize() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 50
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = 3
	}
	if o.IterationDelay < 0 {
		o.IterationDelay = 0
	}
	if o.LogWindow <= 0 {
		o.LogWindow = 10
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = 3
	}
}

// Metrics aggregates per-session counters.
type Metrics struct {
	Iterations           int
	ConsecutiveErrors    int
	SuccessfulExecutions int
	FailedExecutions     int
}

// Scheduler defers a callback, returning a cancel func that drops the
// pending timer. The production implementation is time.AfterFunc; the
// abstraction exists so retries are timer-driven rather than
// recursive, and so tests can drive the loop synchronously.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

type timerScheduler struct{}

func (timerScheduler) Schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// NewTimerScheduler returns the wall-clock scheduler.
func NewTimerScheduler() Scheduler { return timerScheduler{} }

// Session drives one reasoning session: one strictly sequential
// iteration loop over dispatch, parse, pipeline, compaction and
// termination checks.
type Session struct {
	ID        string
	Query     string
	StartedAt time.Time

	opts Options

	dispatcher Dispatcher
	kb         *store.Store
	pipe       *pipeline.Pipeline
	compactor  *Compactor
	logs       *Logs
	sched      Scheduler

	mu          sync.Mutex
	state       State
	reason      string
	endedAt     time.Time
	metrics     Metrics
	cancelTimer func()
	done        chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func New(query string, dispatcher Dispatcher, kb *store.Store, pipe *pipeline.Pipeline, compactor *Compactor, logs *Logs, sched Scheduler, opts Options) *Session {
	opts.normalize()
	if sched == nil {
		sched = NewTimerScheduler()
	}
	return &Session{
		ID:         uuid.NewString(),
		Query:      query,
		opts:       opts,
		dispatcher: dispatcher,
		kb:         kb,
		pipe:       pipe,
		compactor:  compactor,
		logs:       logs,
		sched:      sched,
		state:      StateCreated,
		done:       make(chan struct{}),
	}
}

// Start activates the session and schedules the first iteration. It
// returns immediately; use Wait to block until a terminal state.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := transition(s.state, StateActive)
	if err != nil {
		return err
	}
	s.state = next
	s.StartedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)
	logger.InfoCF("session", "Session started", map[string]any{
		"id":             s.ID,
		"max_iterations": s.opts.MaxIterations,
		"model":          s.opts.Model,
	})
	s.scheduleLocked(0)
	return nil
}

// Stop cancels any pending iteration timer and transitions to
// STOPPED. Stopping an already terminal session is a no-op; an
// iteration in flight finishes its current stage and then observes
// the state change.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return nil
	}
	return s.terminateLocked(StateStopped, "stopped by user")
}

// Pause suspends scheduling; the session can be resumed or stopped.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := transition(s.state, StatePaused)
	if err != nil {
		return err
	}
	s.state = next
	s.dropTimerLocked()
	logger.InfoC("session", "Session paused")
	return nil
}

// Resume reactivates a paused session and schedules the next
// iteration immediately.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := transition(s.state, StateActive)
	if err != nil {
		return err
	}
	s.state = next
	logger.InfoC("session", "Session resumed")
	s.scheduleLocked(0)
	return nil
}

// Wait blocks until the session reaches a terminal state.
func (s *Session) Wait() {
	<-s.done
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the human-readable termination reason, empty while
// the session is live.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) MetricsSnapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func (s *Session) scheduleLocked(d time.Duration) {
	s.dropTimerLocked()
	s.cancelTimer = s.sched.Schedule(d, s.iterate)
}

func (s *Session) dropTimerLocked() {
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
}

// terminateLocked moves to a terminal state, records the reason, and
// releases waiters. Callers hold s.mu.
func (s *Session) terminateLocked(to State, reason string) error {
	next, err := transition(s.state, to)
	if err != nil {
		return err
	}
	s.state = next
	s.reason = reason
	s.endedAt = time.Now()
	s.dropTimerLocked()
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
	logger.InfoCF("session", "Session ended", map[string]any{
		"id":         s.ID,
		"state":      string(next),
		"reason":     reason,
		"iterations": s.metrics.Iterations,
	})
	return nil
}

// iterate runs one loop pass. It is only ever entered from the
// scheduler, so passes never overlap.
func (s *Session) iterate() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.metrics.Iterations++
	iteration := s.metrics.Iterations
	ctx := s.ctx
	s.mu.Unlock()

	logger.DebugCF("session", "Iteration starting", map[string]any{"iteration": iteration})

	resp, err := s.dispatcher.Dispatch(ctx, provider.CompletionRequest{
		Model:      s.opts.Model,
		Prompt:     s.buildPrompt(iteration),
		Generation: s.opts.Generation,
	}, s.opts.MaxRounds)
	if err != nil {
		s.handleDispatchFailure(iteration, err)
		return
	}

	s.mu.Lock()
	s.metrics.ConsecutiveErrors = 0
	s.mu.Unlock()

	set := markup.Parse(resp.Text)
	if err := s.logs.AppendReasoning(iteration, set.Narration); err != nil {
		logger.WarnCF("session", "Failed to persist reasoning log", map[string]any{"error": err.Error()})
	}

	summary, err := s.pipe.Run(ctx, set)
	if err != nil {
		// Commit failure is the one hard pipeline error; treat it
		// like a session-scoped failure.
		s.handleDispatchFailure(iteration, err)
		return
	}
	s.recordOutcome(iteration, summary)

	if s.compactor != nil && s.compactor.Due(iteration) {
		if _, err := s.compactor.Compact(ctx, s.ID, "automatic cadence", iteration); err != nil {
			logger.WarnCF("session", "Compaction skipped", map[string]any{
				"iteration": iteration,
				"error":     err.Error(),
			})
		}
	}

	s.evaluateTermination(iteration)
}

// handleDispatchFailure applies the consecutive-error policy: retry
// with a delay for transient classes, fail once the threshold is hit
// or the class is not retryable.
func (s *Session) handleDispatchFailure(iteration int, err error) {
	kind := provider.Classify(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	s.metrics.ConsecutiveErrors++
	errs := s.metrics.ConsecutiveErrors

	logger.WarnCF("session", "Iteration failed", map[string]any{
		"iteration":          iteration,
		"kind":               string(kind),
		"consecutive_errors": errs,
		"error":              err.Error(),
	})

	if errs >= s.opts.MaxConsecutiveErrors {
		_ = s.terminateLocked(StateFailed, fmt.Sprintf("%d consecutive errors, last: %v", errs, err))
		return
	}
	if !kind.Retryable() {
		_ = s.terminateLocked(StateFailed, fmt.Sprintf("non-retryable failure: %v", err))
		return
	}
	// The iteration cap binds on this path too: a transient failure at
	// the cap iteration must not buy another pass.
	if iteration >= s.opts.MaxIterations {
		_ = s.terminateLocked(StateCompleted, "forced by iteration cap")
		return
	}
	s.scheduleLocked(s.opts.IterationDelay)
}

// recordOutcome folds the pipeline summary into metrics and the
// execution/tool-activity logs so the next prompt sees the results.
func (s *Session) recordOutcome(iteration int, summary *pipeline.Summary) {
	s.mu.Lock()
	for _, r := range summary.ScriptResults {
		if r.Success {
			s.metrics.SuccessfulExecutions++
		} else {
			s.metrics.FailedExecutions++
		}
	}
	s.mu.Unlock()

	var exec strings.Builder
	for i, r := range summary.ScriptResults {
		exec.WriteString(sandbox.FormatResult(i+1, r))
	}
	for _, read := range summary.VaultReads {
		if read.Err != "" {
			fmt.Fprintf(&exec, "vault read %q failed: %s\n", read.ID, read.Err)
		} else {
			fmt.Fprintf(&exec, "vault read %q:\n%s\n", read.ID, read.Content)
		}
	}
	for _, msg := range summary.Errors {
		fmt.Fprintf(&exec, "warning: %s\n", msg)
	}
	if err := s.logs.AppendExecution(iteration, exec.String()); err != nil {
		logger.WarnCF("session", "Failed to persist execution log", map[string]any{"error": err.Error()})
	}

	var tool strings.Builder
	for _, r := range summary.PerEntity {
		if r.Err != "" {
			fmt.Fprintf(&tool, "%s %s %q failed: %s\n", r.Op, r.Kind, r.ID, r.Err)
		} else {
			fmt.Fprintf(&tool, "%s %s %q ok\n", r.Op, r.Kind, r.ID)
		}
	}
	if summary.FinalStored {
		tool.WriteString("final output stored\n")
	}
	if err := s.logs.AppendToolActivity(iteration, tool.String()); err != nil {
		logger.WarnCF("session", "Failed to persist tool activity log", map[string]any{"error": err.Error()})
	}
}

// evaluateTermination applies the completion policy and otherwise
// schedules the next pass.
func (s *Session) evaluateTermination(iteration int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}

	if fo, ok := s.kb.FinalOutput(); ok && fo.Verified {
		_ = s.terminateLocked(StateCompleted, "final output verified")
		return
	}
	if iteration >= s.opts.MaxIterations {
		_ = s.terminateLocked(StateCompleted, "forced by iteration cap")
		return
	}
	s.scheduleLocked(s.opts.IterationDelay)
}

// buildPrompt assembles the next turn: the query, the current
// knowledge-store listing, a bounded window of the reasoning and
// execution logs, and the markup instructions.
func (s *Session) buildPrompt(iteration int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are an autonomous research agent working on the following objective:\n%s\n\n", s.Query)
	fmt.Fprintf(&sb, "This is iteration %d of at most %d.\n\n", iteration, s.opts.MaxIterations)

	sb.WriteString("Current state:\n")
	writeLabels(&sb, "Tasks", s.kb.List(store.KindTask))
	writeLabels(&sb, "Goals", s.kb.List(store.KindGoal))
	writeLabels(&sb, "Memories", s.kb.List(store.KindMemory))
	writeLabels(&sb, "Vault", s.kb.List(store.KindVault))
	sb.WriteString("\n")

	if window := s.logs.ReasoningWindow(s.opts.LogWindow); window != "" {
		sb.WriteString("Recent reasoning:\n")
		sb.WriteString(window)
		sb.WriteString("\n")
	}
	if window := s.logs.ExecutionWindow(s.opts.LogWindow); window != "" {
		sb.WriteString("Recent execution results:\n")
		sb.WriteString(window)
		sb.WriteString("\n")
	}

	sb.WriteString(promptInstructions)
	return sb.String()
}

const promptInstructions = `Respond with your reasoning as plain text. Embed operations using these tags:
  <task id="..." heading="..." status="pending|ongoing|finished|paused">content</task>
  <goal id="..." heading="...">content</goal>
  <memory id="..." heading="...">content</memory>
  <vault id="..." heading="...">content</vault>
  <task_delete id="..."/>  <goal_delete id="..."/>  <memory_delete id="..."/>  <vault_delete id="..."/>
  <vault_read id="..." limit="2000"/>
  <script timeout="30">starlark code</script>
  <final_output>the complete HTML deliverable</final_output>
Reference stored vault content anywhere with {{vault:ID}}.
Emit <final_output> only when the objective is fully achieved.
`
