package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "brokerload",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	def := Default()

	// Connection flags
	flags.String("target", def.Target, "Broker address (host:port)")
	flags.String("subject", def.Subject, "Subject used for publish, subscribe and fetch")
	flags.String("proto-file", "", "Path to a broker .proto file (defaults to the bundled schema)")
	flags.StringToString("metadata", nil, "gRPC metadata key=value pairs")
	flags.Duration("timeout", def.Timeout, "Per-call timeout")
	flags.Duration("connect-timeout", def.ConnectTimeout, "How long to wait for each connection to become ready")
	flags.Bool("tls", false, "Use TLS for broker connections")
	flags.Bool("insecure", false, "Skip TLS verification")

	// Workload flags
	flags.Int("body-size", def.BodySize, "Length of the random publish body")
	flags.Int("publish-iterations", def.PublishIterations, "Publish iterations per publisher invocation")
	flags.Duration("subscribe-hold", def.Subscribe.Hold, "How long a subscribe stream is held open")
	flags.Int("subscribe-max-messages", 0, "End a subscribe after this many messages (0 = hold only)")
	flags.Bool("discard-response-bodies", def.DiscardResponseBodies, "Drop message bodies from responses")
	flags.String("status-check", string(def.StatusCheck), "Status check mode: 'not_ok' (historical) or 'ok'")
	flags.String("id-path", def.IDPath, "JSON path of the message id in a publish reply")
	flags.IntP("actors", "a", 0, "Override the actor count of every scenario")
	flags.DurationP("duration", "d", 0, "Override the duration of every scenario")

	// Output flags
	flags.Bool("json-output", false, "Emit JSON formatted output")
	flags.Bool("dashboard", false, "Show live terminal dashboard with metrics")
	flags.String("log-level", def.LogLevel, "Log level: debug, info, warn or error")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP endpoint for traces")
	flags.String("tracing-protocol", "", "OTLP protocol: 'grpc' or 'http'")
	flags.Float64("tracing-sample-rate", def.Tracing.SampleRate, "Trace sample rate between 0.0 and 1.0")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")

	// Threshold flags
	flags.StringSlice("threshold", nil, "Pass/fail thresholds (repeatable, e.g. 'rpc_duration:p95 < 500')")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("target") {
		val, err := fs.GetString("target")
		if err != nil {
			return err
		}
		cfg.Target = val
	}
	if fs.Changed("subject") {
		val, err := fs.GetString("subject")
		if err != nil {
			return err
		}
		cfg.Subject = val
	}
	if fs.Changed("proto-file") {
		val, err := fs.GetString("proto-file")
		if err != nil {
			return err
		}
		cfg.ProtoFile = strings.TrimSpace(val)
	}
	if fs.Changed("metadata") {
		val, err := fs.GetStringToString("metadata")
		if err != nil {
			return err
		}
		if cfg.Metadata == nil {
			cfg.Metadata = map[string]string{}
		}
		for k, v := range val {
			key := strings.ToLower(strings.TrimSpace(k))
			if key == "" {
				return fmt.Errorf("metadata key cannot be empty")
			}
			cfg.Metadata[key] = v
		}
	}
	if fs.Changed("timeout") {
		val, err := fs.GetDuration("timeout")
		if err != nil {
			return err
		}
		cfg.Timeout = val
	}
	if fs.Changed("connect-timeout") {
		val, err := fs.GetDuration("connect-timeout")
		if err != nil {
			return err
		}
		cfg.ConnectTimeout = val
	}
	if fs.Changed("tls") {
		val, err := fs.GetBool("tls")
		if err != nil {
			return err
		}
		cfg.TLS = val
	}
	if fs.Changed("insecure") {
		val, err := fs.GetBool("insecure")
		if err != nil {
			return err
		}
		cfg.Insecure = val
	}
	if fs.Changed("body-size") {
		val, err := fs.GetInt("body-size")
		if err != nil {
			return err
		}
		cfg.BodySize = val
	}
	if fs.Changed("publish-iterations") {
		val, err := fs.GetInt("publish-iterations")
		if err != nil {
			return err
		}
		cfg.PublishIterations = val
	}
	if fs.Changed("subscribe-hold") {
		val, err := fs.GetDuration("subscribe-hold")
		if err != nil {
			return err
		}
		cfg.Subscribe.Hold = val
	}
	if fs.Changed("subscribe-max-messages") {
		val, err := fs.GetInt("subscribe-max-messages")
		if err != nil {
			return err
		}
		cfg.Subscribe.MaxMessages = val
	}
	if fs.Changed("discard-response-bodies") {
		val, err := fs.GetBool("discard-response-bodies")
		if err != nil {
			return err
		}
		cfg.DiscardResponseBodies = val
	}
	if fs.Changed("status-check") {
		val, err := fs.GetString("status-check")
		if err != nil {
			return err
		}
		cfg.StatusCheck = StatusCheckMode(val)
	}
	if fs.Changed("id-path") {
		val, err := fs.GetString("id-path")
		if err != nil {
			return err
		}
		cfg.IDPath = strings.TrimSpace(val)
	}
	if fs.Changed("actors") {
		val, err := fs.GetInt("actors")
		if err != nil {
			return err
		}
		for i := range cfg.Scenarios {
			cfg.Scenarios[i].Actors = val
		}
	}
	if fs.Changed("duration") {
		val, err := fs.GetDuration("duration")
		if err != nil {
			return err
		}
		for i := range cfg.Scenarios {
			cfg.Scenarios[i].Duration = val
		}
	}
	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("dashboard") {
		val, err := fs.GetBool("dashboard")
		if err != nil {
			return err
		}
		cfg.Dashboard = val
	}
	if fs.Changed("log-level") {
		val, err := fs.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.LogLevel = val
	}
	if fs.Changed("metrics-addr") {
		val, err := fs.GetString("metrics-addr")
		if err != nil {
			return err
		}
		cfg.Metrics.Addr = strings.TrimSpace(val)
	}
	if fs.Changed("tracing-endpoint") {
		val, err := fs.GetString("tracing-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = strings.TrimSpace(val)
	}
	if fs.Changed("tracing-protocol") {
		val, err := fs.GetString("tracing-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}
	return nil
}
