// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/action"
	"github.com/xkilldash9x/phonepilot/internal/agent"
	"github.com/xkilldash9x/phonepilot/internal/config"
	"github.com/xkilldash9x/phonepilot/internal/device/adb"
	"github.com/xkilldash9x/phonepilot/internal/dispatch"
	"github.com/xkilldash9x/phonepilot/internal/metrics"
	"github.com/xkilldash9x/phonepilot/internal/monitor"
	"github.com/xkilldash9x/phonepilot/internal/observability"
	"github.com/xkilldash9x/phonepilot/internal/predictor"
	"github.com/xkilldash9x/phonepilot/internal/retry"
	"github.com/xkilldash9x/phonepilot/internal/store"
	"github.com/xkilldash9x/phonepilot/internal/tools"
	"github.com/xkilldash9x/phonepilot/internal/trajectory"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [instruction...]",
		Short: "Runs one task on the connected device until it finishes or a budget is spent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg); err != nil {
				return err
			}
			logger := observability.GetLogger()

			instruction := strings.TrimSpace(strings.Join(args, " "))
			if instruction == "" {
				return errors.New("instruction must not be empty")
			}

			deps, cleanup, err := initializeRunComponents(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
			defer cleanup()
			if err != nil {
				return fmt.Errorf("failed to initialize run components: %w", err)
			}

			a, err := agent.New(instruction, agentOptions(cfg), deps.Deps)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			summary, err := runWithMonitor(ctx, a, deps.Monitor)
			printSummary(cmd.OutOrStdout(), summary)
			if err != nil {
				return fmt.Errorf("failed to persist trajectory: %w", err)
			}
			if summary.Status != schemas.StatusSuccess {
				return fmt.Errorf("%w: %s", ErrTaskUnsuccessful, summary.Status)
			}
			return nil
		},
	}

	runCmd.Flags().Int("max-steps", 0, "Maximum number of recorded steps. (Overrides config/env)")
	runCmd.Flags().String("serial", "", "adb serial of the target device. (Overrides config/env)")
	runCmd.Flags().String("output-dir", "", "Directory for trajectories and screenshots. (Overrides config/env)")
	runCmd.Flags().String("ask-file", "", "Read ask_user replies from lines appended to this file.")
	return runCmd
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("max-steps") {
		n, _ := flags.GetInt("max-steps")
		cfg.SetAgentMaxSteps(n)
	}
	if flags.Changed("serial") {
		s, _ := flags.GetString("serial")
		cfg.SetDeviceSerial(s)
	}
	if flags.Changed("output-dir") {
		d, _ := flags.GetString("output-dir")
		cfg.SetTrajectoryOutputDir(d)
	}
	if flags.Changed("ask-file") {
		f, _ := flags.GetString("ask-file")
		cfg.SetAskReplyFile(f)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func agentOptions(cfg *config.Config) agent.Options {
	ac := cfg.Agent()
	return agent.Options{
		MaxSteps:          ac.MaxSteps,
		MaxRepredictions:  ac.MaxRepredictions,
		SettleDelay:       ac.SettleDelay,
		CheckpointEvery:   ac.CheckpointEvery,
		SaveScreenshots:   cfg.Trajectory().SaveScreenshots,
		CaptureUITree:     ac.CaptureUITree,
		ScreenChangeCheck: ac.ScreenChangeCheck,
		AskTimeoutPolicy:  agent.AskTimeoutPolicy(strings.ToLower(ac.AskTimeoutPolicy)),
	}
}

// runComponents holds everything a run needs besides the Agent itself.
type runComponents struct {
	agent.Deps
	Monitor *monitor.Server
}

// initializeRunComponents handles dependency injection. The returned cleanup
// is always safe to call, including after an error.
func initializeRunComponents(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, logger *zap.Logger) (*runComponents, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	rc := &runComponents{}
	rc.Logger = logger

	// 1. Metrics and retry policies
	registry := prometheus.NewRegistry()
	rc.Metrics = metrics.MustNewMetrics(registry)
	rc.Governor = retry.NewGovernor(logger, cfg.Retry().Policies(), rc.Metrics)

	// 2. Device
	dc := cfg.Device()
	device, err := adb.New(adb.Options{
		ADBPath:      dc.ADBPath,
		Serial:       dc.Serial,
		ADBKeyboard:  dc.ADBKeyboard,
		Apps:         dc.Apps,
		AppCacheSize: dc.AppCacheSize,
		Logger:       logger,
	})
	if err != nil {
		return rc, cleanup, err
	}
	// The agent closes the device when the task ends; Close is idempotent.
	closers = append(closers, func() { _ = device.Close() })
	if _, err := rc.Governor.Do(ctx, retry.CategoryScreenshot, device.Ping); err != nil {
		return rc, cleanup, fmt.Errorf("device not reachable: %w", err)
	}
	rc.Actuator = device

	// 3. External tools
	tc := cfg.Tools()
	toolRegistry, err := tools.NewRegistry()
	if err != nil {
		return rc, cleanup, err
	}
	httpClient := &http.Client{Timeout: cfg.Timeouts().Tool}
	for _, t := range tc.HTTP {
		tool, err := tools.NewHTTPTool(t, httpClient)
		if err != nil {
			return rc, cleanup, fmt.Errorf("failed to configure tool %q: %w", t.Name, err)
		}
		if err := toolRegistry.Register(tool); err != nil {
			return rc, cleanup, err
		}
	}

	// 4. Predictor
	pc := cfg.Predictor()
	backend, err := predictor.NewPredictor(ctx, pc, logger)
	if err != nil {
		return rc, cleanup, fmt.Errorf("failed to initialize predictor: %w", err)
	}
	rc.Predictor = predictor.NewAdapter(backend, rc.Governor, predictor.AdapterOptions{
		Timeout:       cfg.Timeouts().Predict,
		HistoryWindow: pc.HistoryWindow,
		RepairJSON:    pc.RepairJSON,
		Limiter:       predictor.NewLimiter(pc),
		Tools:         toolRegistry.Specs(),
	}, rc.Metrics, logger)

	// 5. Dispatcher and validator
	ac := cfg.Agent()
	rc.Dispatcher = dispatch.New(device, rc.Governor, dispatch.Options{
		Timeout:     cfg.Timeouts().Dispatch,
		SettleDelay: ac.SettleDelay,
		DefaultWait: ac.DefaultWait,
		MaxWait:     ac.MaxWait,
		LongPressMs: ac.LongPressMs,
		SwipeMs:     ac.SwipeMs,
	}, rc.Metrics, logger)
	rc.Validator = action.NewValidator(rc.Dispatcher.Names()...)

	// 6. Monitor server
	var hub *monitor.Hub
	if mc := cfg.Metrics(); mc.Enabled {
		hub = monitor.NewHub(logger)
		rc.Monitor = monitor.NewServer(mc.Address, hub, registry, logger)
		rc.Events = hub
	}

	// 7. ask_user handler
	var handler schemas.PromptHandler
	switch ask := cfg.Ask(); ask.Mode {
	case config.AskModeFile:
		fh, err := tools.NewFileHandler(ask.ReplyFile, ask.QuestionFile, ask.Poll, logger)
		if err != nil {
			return rc, cleanup, err
		}
		closers = append(closers, func() {
			if err := fh.Close(); err != nil {
				logger.Warn("Failed to stop following reply file", zap.Error(err))
			}
		})
		handler = fh
	case config.AskModeWebSocket:
		handler = hub
	default:
		handler = tools.NewConsoleHandler(in, out)
	}
	rc.Router = tools.NewRouter(handler, toolRegistry, tools.Options{
		AskTimeout:  cfg.Timeouts().AskUser,
		ToolTimeout: cfg.Timeouts().Tool,
	}, rc.Metrics, logger)

	// 8. Trajectory store
	tcfg := cfg.Trajectory()
	files, err := trajectory.NewFileStore(tcfg.OutputDir)
	if err != nil {
		return rc, cleanup, fmt.Errorf("failed to prepare output directory: %w", err)
	}
	rc.Store = files
	if tcfg.Postgres.Enabled {
		pool, err := pgxpool.New(ctx, tcfg.Postgres.DSN)
		if err != nil {
			return rc, cleanup, fmt.Errorf("failed to connect to database: %w", err)
		}
		closers = append(closers, pool.Close)
		pg, err := store.New(ctx, pool, logger)
		if err != nil {
			return rc, cleanup, fmt.Errorf("failed to initialize database store: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return rc, cleanup, err
		}
		rc.Store = trajectory.NewMultiStore(logger, files, pg)
	}

	return rc, cleanup, nil
}

// runWithMonitor runs the task and, when configured, the monitor server next
// to it. The server stops once the task has finished.
func runWithMonitor(ctx context.Context, a *agent.Agent, srv *monitor.Server) (schemas.Summary, error) {
	if srv == nil {
		return a.Run(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	monitorCtx, stopMonitor := context.WithCancel(gctx)
	defer stopMonitor()

	g.Go(func() error { return srv.Serve(monitorCtx) })

	var summary schemas.Summary
	var runErr error
	g.Go(func() error {
		defer stopMonitor()
		summary, runErr = a.Run(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		observability.GetLogger().Error("Monitor server stopped with an error", zap.Error(err))
	}
	return summary, runErr
}

func printSummary(w io.Writer, s schemas.Summary) {
	fmt.Fprintf(w, "\nTask %s finished: %s\n", s.TaskID, strings.ToUpper(string(s.Status)))
	fmt.Fprintf(w, "  Steps:      %d\n", s.StepCount)
	fmt.Fprintf(w, "  Duration:   %s\n", s.Duration.Round(time.Millisecond))
	if s.TerminalReason != "" {
		fmt.Fprintf(w, "  Reason:     %s\n", s.TerminalReason)
	}
	if s.ErrorKind != "" {
		fmt.Fprintf(w, "  Error:      %s: %s\n", s.ErrorKind, s.Error)
	}
	if s.Answer != "" {
		fmt.Fprintf(w, "  Answer:     %s\n", s.Answer)
	}
	if s.ArtifactPath != "" {
		fmt.Fprintf(w, "  Trajectory: %s\n", s.ArtifactPath)
	}
}
