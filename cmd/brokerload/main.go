package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"

	"github.com/torosent/brokerload/internal/auth"
	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/check"
	"github.com/torosent/brokerload/internal/config"
	"github.com/torosent/brokerload/internal/dashboard"
	"github.com/torosent/brokerload/internal/extractor"
	"github.com/torosent/brokerload/internal/grpcclient"
	"github.com/torosent/brokerload/internal/metrics"
	"github.com/torosent/brokerload/internal/output"
	"github.com/torosent/brokerload/internal/runner"
	"github.com/torosent/brokerload/internal/scenario"
	"github.com/torosent/brokerload/internal/threshold"
	"github.com/torosent/brokerload/internal/tracing"
)

const (
	progressInterval         = time.Second
	shutdownTimeout          = 5 * time.Second
	defaultAuthRefreshLeeway = 30 * time.Second
)

// ErrThresholdsFailed is returned when at least one threshold did not pass.
var ErrThresholdsFailed = errors.New("thresholds failed")

// app holds what a run writes to and how it reaches the broker.
type app struct {
	stdout io.Writer
	stderr io.Writer
	// dialOptions are appended to every broker connection.
	dialOptions []grpc.DialOption
}

func main() {
	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	if err := a.rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "brokerload",
		Short: "Load generator for broker.Broker gRPC services",
		// The config loader owns flag parsing so that flags and config files
		// share one precedence order.
		DisableFlagParsing: true,
		Args:               cobra.ArbitraryArgs,
		SilenceErrors:      true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.AddCommand(a.initCommand())
	return root
}

func (a *app) initCommand() *cobra.Command {
	var path string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" || path == "-" {
				return config.WriteYAML(a.stdout, config.Default())
			}
			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(path, flags, 0o644)
			if err != nil {
				return fmt.Errorf("create %s: %w", path, err)
			}
			if err := config.WriteYAML(f, config.Default()); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "output", "o", "brokerload.yaml", "File to write ('-' for stdout)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func (a *app) run(parent context.Context, args []string) error {
	if parent == nil {
		parent = context.Background()
	}
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := a.newLogger(cfg)
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return err
	}
	mode, err := check.ParseMode(string(cfg.StatusCheck))
	if err != nil {
		return err
	}
	schema, err := broker.LoadSchema(cfg.ProtoFile)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, err := tracing.Init(ctx, cfg.Tracing, tracing.WithResourceAttributes(
		attribute.String("broker.target", cfg.Target),
		attribute.String("broker.subject", cfg.Subject),
	))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer done()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "err", err)
		}
	}()

	dialOpts := append([]grpc.DialOption(nil), a.dialOptions...)
	provider, err := buildAuthProvider(cfg.Auth)
	if err != nil {
		return err
	}
	if provider != nil {
		defer provider.Close()
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(auth.PerRPCCredentials(provider, cfg.TLS)))
	}

	dialer, err := grpcclient.NewDialer(grpcclient.Config{
		Target:                cfg.Target,
		Metadata:              cfg.Metadata,
		Timeout:               cfg.Timeout,
		ConnectTimeout:        cfg.ConnectTimeout,
		UseTLS:                cfg.TLS,
		Insecure:              cfg.Insecure,
		SubscribeHold:         cfg.Subscribe.Hold,
		SubscribeMaxMessages:  cfg.Subscribe.MaxMessages,
		DiscardResponseBodies: cfg.DiscardResponseBodies,
	}, schema,
		grpcclient.WithTracing(tp.Tracer(), tp.ShouldPropagate()),
		grpcclient.WithDialOptions(dialOpts...),
	)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	collector.SetDiscardResponseBodies(cfg.DiscardResponseBodies)
	sinks := []metrics.Sink{collector}
	var observers runner.Observers
	if cfg.Metrics.Addr != "" {
		prom := metrics.NewPromSink()
		prom.SetDiscardResponseBodies(cfg.DiscardResponseBodies)
		stop, err := prom.Serve(ctx, cfg.Metrics.Addr, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer done()
			_ = stop(shutdownCtx)
		}()
		sinks = append(sinks, prom)
		observers = append(observers, prom)
	}
	sink := metrics.NewFanout(sinks...)

	env := &scenario.Env{
		Subject:           cfg.Subject,
		BodySize:          cfg.BodySize,
		PublishIterations: cfg.PublishIterations,
		Dialer:            scenario.GRPCDialer(dialer),
		Checks:            check.Standard(mode),
		Sink:              sink,
		Recorder:          sink,
		IDs:               extractor.NewIDExtractor(cfg.IDPath),
		Logger:            logger,
	}
	defs := toDefinitions(cfg.Scenarios)

	if cfg.Dashboard {
		dash, err := dashboard.New(collector, toDashboardConfig(cfg), cancel)
		if err != nil {
			return err
		}
		observers = append(observers, dash)
		dash.Start()
		defer dash.Stop()
	}
	opts := runner.Options{Logger: logger}
	if len(observers) > 0 {
		opts.Observer = observers
	}
	sched := runner.New(opts)

	var progress *output.ProgressReporter
	if !cfg.JSONOutput && !cfg.Dashboard {
		progress = output.NewProgressReporter(collector, progressInterval, a.stderr)
		progress.Start()
	}

	logger.Info("load test starting", "target", cfg.Target, "scenarios", len(defs))
	result := sched.Run(ctx, defs, behaviorFactory(env))
	if progress != nil {
		progress.Stop()
		fmt.Fprintln(a.stderr)
	}
	stats := collector.Stats(result.Duration)

	var thresholdResults []threshold.Result
	if len(thresholds) > 0 {
		thresholdResults = threshold.NewEvaluator(thresholds).Evaluate(stats)
	}

	report := output.NewReport(cfg.Target, stats, result, thresholdResults)
	report.Transport = output.NewTransportSummary(dialer.Totals())
	if cfg.JSONOutput {
		if err := output.PrintJSONReport(a.stdout, report); err != nil {
			return err
		}
	} else {
		output.PrintReport(a.stdout, report)
	}

	return runError(result, thresholdResults)
}

// runError reports scenarios that never started and failed thresholds.
// Failed checks alone do not fail the run.
func runError(result runner.Result, thresholds []threshold.Result) error {
	var errs []error
	for _, sc := range result.Scenarios {
		if sc.Err != nil {
			errs = append(errs, fmt.Errorf("scenario %s: %w", sc.Name, sc.Err))
		}
	}
	if !threshold.AllPassed(thresholds) {
		errs = append(errs, ErrThresholdsFailed)
	}
	return errors.Join(errs...)
}

// buildAuthProvider returns nil when no auth type is configured.
func buildAuthProvider(cfg config.AuthConfig) (auth.Provider, error) {
	refresh := cfg.RefreshBeforeExpiry
	if refresh == 0 {
		refresh = defaultAuthRefreshLeeway
	}
	switch cfg.Type {
	case "":
		return nil, nil
	case config.AuthTypeStatic:
		return auth.NewStaticTokenProvider(cfg.StaticToken), nil
	case config.AuthTypeOAuth2ClientCredentials:
		return auth.NewOAuth2ClientCredentialsProvider(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, cfg.Scopes, refresh), nil
	case config.AuthTypeOAuth2ResourceOwner:
		return auth.NewOAuth2ResourceOwnerProvider(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, cfg.Username, cfg.Password, cfg.Scopes, refresh), nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", cfg.Type)
	}
}

func behaviorFactory(env *scenario.Env) runner.BehaviorFactory {
	return func(def runner.ScenarioDefinition, _ int) (runner.Behavior, error) {
		b, err := scenario.Build(def.Behavior, env.ForScenario(def.Name))
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func toDefinitions(scenarios []config.Scenario) []runner.ScenarioDefinition {
	defs := make([]runner.ScenarioDefinition, len(scenarios))
	for i, sc := range scenarios {
		defs[i] = runner.ScenarioDefinition{
			Name:         sc.Name,
			Behavior:     string(sc.Behavior),
			Executor:     runner.Executor(sc.Executor),
			Actors:       sc.Actors,
			StartTime:    sc.StartTime,
			Duration:     sc.Duration,
			Iterations:   sc.Iterations,
			GracefulStop: gracefulStop(sc.GracefulStop),
			Pace:         sc.Pace,
			Arrival:      toRunnerArrival(sc.Arrival),
		}
	}
	return defs
}

// gracefulStop maps an explicit graceful_stop of 0 to no grace at all; the
// loader already filled in the default for scenarios that omit it.
func gracefulStop(d time.Duration) time.Duration {
	if d == 0 {
		return runner.NoGracefulStop
	}
	return d
}

func toRunnerArrival(model config.ArrivalModel) runner.ArrivalModel {
	switch strings.ToLower(string(model)) {
	case string(config.ArrivalPoisson):
		return runner.ArrivalPoisson
	default:
		return runner.ArrivalUniform
	}
}

func toDashboardConfig(cfg *config.Config) dashboard.TestConfig {
	dc := dashboard.TestConfig{
		Target:      cfg.Target,
		Subject:     cfg.Subject,
		Scenarios:   len(cfg.Scenarios),
		Timeout:     cfg.Timeout,
		StatusCheck: string(cfg.StatusCheck),
		TLS:         cfg.TLS,
		ConfigFile:  cfg.ConfigFile,

		ScenarioActors: make(map[string]int, len(cfg.Scenarios)),
	}
	for _, sc := range cfg.Scenarios {
		dc.Actors += sc.Actors
		dc.ScenarioActors[sc.Name] = sc.Actors
		if end := sc.StartTime + sc.Duration; end > dc.Duration {
			dc.Duration = end
		}
	}
	return dc
}

// newLogger writes text logs to stderr. The dashboard owns the terminal, so
// logs are dropped while it runs.
func (a *app) newLogger(cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
		}
	}
	if cfg.Dashboard {
		return slog.New(slog.DiscardHandler), nil
	}
	return slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level})), nil
}
