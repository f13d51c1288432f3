package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"webpilot/internal/analyzer"
	"webpilot/internal/browser"
	"webpilot/internal/config"
	"webpilot/internal/executor"
	"webpilot/internal/healer"
	"webpilot/internal/intelligence"
	"webpilot/internal/intent"
	"webpilot/internal/jobs"
	"webpilot/internal/knowledge"
	"webpilot/internal/launcher"
	"webpilot/internal/logging"
	"webpilot/internal/perf"
	"webpilot/internal/pipeline"
	"webpilot/internal/plan"
	"webpilot/internal/server"
	"webpilot/internal/siteconfig"
	"webpilot/internal/skill"
	"webpilot/internal/strategy"
	"webpilot/internal/task"
)

var (
	verbose bool
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "webpilot",
	Short: "webpilot - self-healing browser automation service",
	Long: `webpilot turns browser recorder transcripts into resilient, repeatable
automation jobs. It heals broken selectors, learns per-site behaviour across
runs, and adapts its retry strategy to the failures it observes.

Run without arguments to start the service.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the automation service",
	Long: `Starts the HTTP control surface, the job pipeline, and the task
scheduler. Configuration comes from the environment (WEBPILOT_DATA_DIR,
WEBPILOT_LISTEN_ADDR, DATABASE_URL, PLAYWRIGHT_HEADLESS, ...).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var runTargetURL string

var runCmd = &cobra.Command{
	Use:   "run [recording.json]",
	Short: "Execute a recording once and print the result",
	Long: `Launches a browser, runs the recording end to end with healing and
learning enabled, prints the execution result as JSON, and exits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return runOnce(cmd.Context(), raw, runTargetURL)
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled task bindings",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the bindings in the schedules file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		path := filepath.Join(cfg.DataDir, "schedules.json")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			fmt.Println("[]")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var (
	scheduleTaskID string
	scheduleCron   string
	scheduleURL    string
)

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a binding to the schedules file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		path := filepath.Join(cfg.DataDir, "schedules.json")

		var bindings []jobs.Binding
		if data, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(data, &bindings); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return err
		}

		bindings = append(bindings, jobs.Binding{
			ID:        uuid.NewString(),
			TaskID:    scheduleTaskID,
			TargetURL: scheduleURL,
			Schedule:  scheduleCron,
			Enabled:   true,
		})
		data, err := json.MarshalIndent(bindings, "", "  ")
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay [recording.json]",
	Short: "Process a recording without executing it",
	Long: `Runs the processing stages only (normalise, extract intents, generate
skills, plan commands) and prints every intermediate artefact as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		pipe := pipeline.New(intent.NewExtractor(nil), skill.NewGenerator(nil),
			plan.NewPlanner(), executor.New(nil, nil, nil, nil, nil, nil), nil, nil)
		pl, err := pipe.Process(cmd.Context(), raw, nil)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(pl, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// runOnce wires the full execution stack for a single recording and tears it
// down when the run finishes.
func runOnce(ctx context.Context, raw []byte, targetURL string) error {
	cfg := config.FromEnv()

	if err := logging.Initialize(cfg.DataDir, logging.Config{DebugMode: verbose}); err != nil {
		return fmt.Errorf("failed to initialize category logging: %w", err)
	}
	defer logging.CloseAll()

	kb := knowledge.New(knowledge.NewFileStore(cfg.DataDir))
	if err := kb.Load(ctx); err != nil {
		return fmt.Errorf("failed to load knowledge base: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = kb.Close(closeCtx)
	}()

	driver := browser.NewRodDriver()
	if err := driver.Launch(ctx, cfg.LaunchOptions()); err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer driver.Close()

	retry := strategy.NewAdaptiveRetry()
	runner := executor.New(healer.New(executor.KnowledgeSourceFor(kb)), kb, retry,
		intelligence.New(kb, strategy.NewManager(retry)), analyzer.New(), perf.NewMonitor())
	pipe := pipeline.New(intent.NewExtractor(nil), skill.NewGenerator(kb),
		plan.NewPlanner(), runner, kb, driver)

	result, err := pipe.Run(ctx, raw, pipeline.RunOptions{
		JobID:     uuid.NewString(),
		TargetURL: targetURL,
	})
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func serve() error {
	cfg := config.FromEnv()

	if err := logging.Initialize(cfg.DataDir, logging.Config{DebugMode: verbose}); err != nil {
		return fmt.Errorf("failed to initialize category logging: %w", err)
	}
	defer logging.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Knowledge base.
	var store knowledge.Store
	if cfg.UseRelationalStorage() {
		store = knowledge.NewSQLStore(cfg.DatabaseURL)
	} else {
		store = knowledge.NewFileStore(cfg.DataDir)
	}
	kb := knowledge.New(store)
	if err := kb.Load(ctx); err != nil {
		return fmt.Errorf("failed to load knowledge base: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := kb.Close(shutdownCtx); err != nil {
			logger.Warn("knowledge base close failed", zap.Error(err))
		}
	}()

	// Browser.
	driver := browser.NewRodDriver()
	if err := driver.Launch(ctx, cfg.LaunchOptions()); err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer driver.Close()

	// Site configuration with live reload.
	sites, err := siteconfig.NewManager(cfg.SiteConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load site config: %w", err)
	}
	if err := sites.Watch(); err != nil {
		logger.Warn("site config watch unavailable", zap.Error(err))
	}
	defer sites.Close()

	// Recovery stack.
	retry := strategy.NewAdaptiveRetry()
	strategies := strategy.NewManager(retry)
	monitor := perf.NewMonitor()
	heal := healer.New(executor.KnowledgeSourceFor(kb))
	engine := intelligence.New(kb, strategies)
	runner := executor.New(heal, kb, retry, engine, analyzer.New(), monitor)

	// Intent refinement is optional; without an API key the pattern matcher
	// stands alone. LLM_PROVIDER selects the backend; only the genai one is
	// built in.
	var refiner intent.Refiner
	if cfg.LLMAPIKey != "" {
		switch cfg.LLMProvider {
		case "", "gemini", "genai":
			r, err := intent.NewGenAIRefiner(cfg.LLMAPIKey, "")
			if err != nil {
				logger.Warn("intent refiner unavailable", zap.Error(err))
			} else {
				refiner = r
			}
		default:
			logger.Warn("unknown LLM provider, intent refinement disabled",
				zap.String("provider", cfg.LLMProvider))
		}
	}

	pipe := pipeline.New(intent.NewExtractor(refiner), skill.NewGenerator(kb),
		plan.NewPlanner(), runner, kb, driver)

	// Tasks.
	arena := task.NewArena(cfg.DataDir)
	if err := arena.Load(); err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	hub := launcher.NewGenerator(cfg.DataDir)
	taskExec := task.NewTaskExecutor(driver, runner, plan.NewPlanner(), kb, sites, hub, arena)

	scheduler := jobs.NewScheduler(cfg.DataDir, taskExec)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	srv := server.New(jobs.NewManager(filepath.Join(cfg.DataDir, "jobs")), pipe, taskExec, arena, monitor, hub)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("webpilot listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	runCmd.Flags().StringVar(&runTargetURL, "url", "", "navigate here instead of the recording's URL")
	scheduleAddCmd.Flags().StringVar(&scheduleTaskID, "task", "", "task id to execute")
	scheduleAddCmd.Flags().StringVar(&scheduleCron, "cron", "", "five-field cron expression")
	scheduleAddCmd.Flags().StringVar(&scheduleURL, "url", "", "target URL override")
	_ = scheduleAddCmd.MarkFlagRequired("task")
	_ = scheduleAddCmd.MarkFlagRequired("cron")
	scheduleCmd.AddCommand(scheduleListCmd, scheduleAddCmd)
	rootCmd.AddCommand(serveCmd, runCmd, replayCmd, scheduleCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
