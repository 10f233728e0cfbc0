package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seapen/seapen/pkg/config"
	"github.com/seapen/seapen/pkg/credential"
	"github.com/seapen/seapen/pkg/kv"
	"github.com/seapen/seapen/pkg/logger"
	"github.com/seapen/seapen/pkg/pipeline"
	"github.com/seapen/seapen/pkg/provider"
	"github.com/seapen/seapen/pkg/sandbox"
	"github.com/seapen/seapen/pkg/session"
	"github.com/seapen/seapen/pkg/store"
)

// engine bundles everything a command needs against one store file.
type engine struct {
	cfg        *config.Config
	backend    kv.Store
	kb         *store.Store
	logs       *session.Logs
	ring       *session.ArchiveRing
	pool       *credential.Pool
	dispatcher *provider.Dispatcher
}

func (e *engine) close() {
	if e.backend != nil {
		_ = e.backend.Close()
	}
}

func openEngine(extraKeys []string) (*engine, error) {
	cfg, err := config.LoadConfig(flagConfig)
	if err != nil {
		return nil, err
	}
	if cfg.LogFile != "" {
		if err := logger.EnableFileLogging(cfg.LogFile); err != nil {
			return nil, fmt.Errorf("enable file logging: %w", err)
		}
	}

	backend, err := kv.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}

	kb, err := store.Open(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	logs, err := session.NewLogs(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}

	pool := credential.NewPool()
	for _, key := range cfg.LLM.APIKeys {
		pool.Add(key)
	}
	for _, key := range extraKeys {
		if key = strings.TrimSpace(key); key != "" {
			pool.Add(key)
		}
	}

	client := provider.NewClient(cfg.LLM.BaseURL, provider.WithRequestTimeout(cfg.RequestTimeout()))
	dispatcher := provider.NewDispatcher(pool, client,
		provider.WithBackoff(provider.BackoffStrategy(cfg.Retry.Strategy), time.Duration(cfg.Retry.InterRoundDelay)*time.Second),
		provider.WithRequestsPerMinute(cfg.LLM.RequestsPerMinute),
	)

	return &engine{
		cfg:        cfg,
		backend:    backend,
		kb:         kb,
		logs:       logs,
		ring:       session.NewArchiveRing(backend, cfg.Store.ArchiveKeep),
		pool:       pool,
		dispatcher: dispatcher,
	}, nil
}

// modelChain is the compaction fallback order: preferred, then the
// configured fallback, then the fast model. Duplicates collapse.
func modelChain(cfg *config.Config, selected string) []string {
	ordered := []string{selected, cfg.LLM.Model, cfg.LLM.FallbackModel, cfg.LLM.FastModel}
	seen := map[string]bool{}
	var chain []string
	for _, m := range ordered {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		chain = append(chain, m)
	}
	return chain
}

func (e *engine) newCompactor(selectedModel string) *session.Compactor {
	return session.NewCompactor(
		e.dispatcher, e.logs, e.kb, e.ring,
		modelChain(e.cfg, selectedModel),
		e.cfg.Session.CompactionInterval,
		e.cfg.Retry.MaxRounds,
	)
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a reasoning session",
	Long: `Start a reasoning session for a query and block until it
reaches a terminal state. Ctrl-C stops the session cleanly.

Examples:
  seapen run --query "research topic X and produce a report"
  seapen run -q "..." --keys KEY1,KEY2 --model gemini-2.5-pro`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		if query == "" && len(args) > 0 {
			query = strings.Join(args, " ")
		}
		if strings.TrimSpace(query) == "" {
			return fmt.Errorf("--query is required")
		}
		keysStr, _ := cmd.Flags().GetString("keys")
		model, _ := cmd.Flags().GetString("model")
		maxIter, _ := cmd.Flags().GetInt("max-iterations")

		var extraKeys []string
		if keysStr != "" {
			extraKeys = strings.Split(keysStr, ",")
		}

		eng, err := openEngine(extraKeys)
		if err != nil {
			return err
		}
		defer eng.close()

		if eng.pool.Size() == 0 {
			return fmt.Errorf("no API credentials configured; pass --keys or set llm.api_keys")
		}

		cfg := eng.cfg
		if model == "" {
			model = cfg.LLM.Model
		}
		if maxIter <= 0 {
			maxIter = cfg.Session.MaxIterations
		}

		executor := sandbox.NewExecutor(eng.kb, cfg.ScriptTimeout())
		pipe := pipeline.New(eng.kb, executor)
		compactor := eng.newCompactor(model)

		sess := session.New(query, eng.dispatcher, eng.kb, pipe, compactor, eng.logs, nil, session.Options{
			MaxIterations:        maxIter,
			MaxConsecutiveErrors: cfg.Session.MaxConsecutiveErrors,
			IterationDelay:       cfg.IterationDelay(),
			LogWindow:            cfg.Session.LogWindow,
			Model:                model,
			MaxRounds:            cfg.Retry.MaxRounds,
			Generation: provider.GenerationConfig{
				Temperature:     cfg.LLM.Temperature,
				TopP:            cfg.LLM.TopP,
				TopK:            cfg.LLM.TopK,
				MaxOutputTokens: cfg.LLM.MaxOutputTokens,
			},
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := sess.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("session %s started\n", sess.ID)

		go func() {
			<-ctx.Done()
			_ = sess.Stop()
		}()
		sess.Wait()

		m := sess.MetricsSnapshot()
		fmt.Printf("session %s: %s (%s) after %d iterations\n", sess.ID, sess.State(), sess.Reason(), m.Iterations)
		if fo, ok := eng.kb.FinalOutput(); ok && fo.Verified {
			fmt.Printf("final output (%d bytes) stored at %s\n", len(fo.HTML), cfg.Store.Path)
		}
		if sess.State() == session.StateFailed {
			return fmt.Errorf("session failed: %s", sess.Reason())
		}
		return nil
	},
}

// --- compact ---

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Manually compact the session log",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(nil)
		if err != nil {
			return err
		}
		defer eng.close()

		if eng.pool.Size() == 0 {
			return fmt.Errorf("compaction needs an API credential; set llm.api_keys")
		}

		result, err := eng.newCompactor(eng.cfg.LLM.Model).Compact(cmd.Context(), "manual", "manual trigger", 0)
		if err != nil {
			return err
		}
		fmt.Printf("compacted %d iterations, %.1f%% reduction, archive %s\n",
			len(result.IterationsCovered), result.ReductionPercent, result.ArchiveKey)
		return nil
	},
}

// --- archives ---

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "Inspect and restore compaction archives",
}

var archivesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained compaction archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(nil)
		if err != nil {
			return err
		}
		defer eng.close()

		archives, err := eng.ring.List()
		if err != nil {
			return err
		}
		if len(archives) == 0 {
			fmt.Println("no archives")
			return nil
		}
		for _, a := range archives {
			fmt.Printf("%s  %s  %s  iterations=%d\n",
				a.Key, a.Timestamp.Format(time.RFC3339), a.Reason, len(a.IterationsCovered))
		}
		return nil
	},
}

var archivesRestoreCmd = &cobra.Command{
	Use:   "restore <archive-key>",
	Short: "Replace the live logs with an archived snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(nil)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.ring.Restore(args[0], eng.logs); err != nil {
			return err
		}
		fmt.Printf("restored logs from %s\n", args[0])
		return nil
	},
}

func init() {
	runCmd.Flags().StringP("query", "q", "", "the session objective")
	runCmd.Flags().String("keys", "", "comma-separated API keys (added to configured keys)")
	runCmd.Flags().String("model", "", "model id (default from config)")
	runCmd.Flags().Int("max-iterations", 0, "iteration cap (default from config)")

	archivesCmd.AddCommand(archivesListCmd, archivesRestoreCmd)
}
