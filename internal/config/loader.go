package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and the optional configuration file.
// Flags override file values, which override Default().
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	configPath := flagSet.Lookup("config").Value.String()
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	cfg := Default()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(&cfg, cfgViper.AllSettings()); err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(&cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.Target = strings.TrimSpace(cfg.Target)
	cfg.Subject = strings.TrimSpace(cfg.Subject)
	cfg.StatusCheck = StatusCheckMode(strings.ToLower(strings.TrimSpace(string(cfg.StatusCheck))))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.Metadata == nil {
		cfg.Metadata = map[string]string{}
	}
	return &cfg, nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "target"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		cfg.Target = val
	}
	if raw, ok := lookupSetting(settings, "subject"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("subject: %w", err)
		}
		cfg.Subject = val
	}
	if raw, ok := lookupSetting(settings, "protofile", "proto_file", "proto-file"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("proto_file: %w", err)
		}
		cfg.ProtoFile = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "metadata"); ok {
		val, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		cfg.Metadata = val
	}
	if raw, ok := lookupSetting(settings, "timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		cfg.Timeout = dur
	}
	if raw, ok := lookupSetting(settings, "connecttimeout", "connect_timeout", "connect-timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = dur
	}
	if raw, ok := lookupSetting(settings, "tls"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		cfg.TLS = val
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		cfg.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "bodysize", "body_size", "body-size"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("body_size: %w", err)
		}
		cfg.BodySize = val
	}
	if raw, ok := lookupSetting(settings, "publishiterations", "publish_iterations", "publish-iterations"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("publish_iterations: %w", err)
		}
		cfg.PublishIterations = val
	}
	if raw, ok := lookupSetting(settings, "subscribe"); ok {
		sub, err := parseSubscribeConfig(raw, cfg.Subscribe)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		cfg.Subscribe = sub
	}
	if raw, ok := lookupSetting(settings, "discardresponsebodies", "discard_response_bodies", "discard-response-bodies"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("discard_response_bodies: %w", err)
		}
		cfg.DiscardResponseBodies = val
	}
	if raw, ok := lookupSetting(settings, "statuscheck", "status_check", "status-check"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("status_check: %w", err)
		}
		cfg.StatusCheck = StatusCheckMode(val)
	}
	if raw, ok := lookupSetting(settings, "idpath", "id_path", "id-path"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("id_path: %w", err)
		}
		cfg.IDPath = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "scenarios"); ok {
		scenarios, err := parseScenarios(raw)
		if err != nil {
			return fmt.Errorf("scenarios: %w", err)
		}
		cfg.Scenarios = scenarios
	}
	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		thresholds, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = thresholds
	}
	if raw, ok := lookupSetting(settings, "jsonoutput", "json_output", "json-output"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("json_output: %w", err)
		}
		cfg.JSONOutput = val
	}
	if raw, ok := lookupSetting(settings, "dashboard"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		cfg.Dashboard = val
	}
	if raw, ok := lookupSetting(settings, "loglevel", "log_level", "log-level"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		cfg.LogLevel = val
	}
	if raw, ok := lookupSetting(settings, "auth"); ok {
		auth, err := parseAuthConfig(raw)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		cfg.Auth = auth
	}
	if raw, ok := lookupSetting(settings, "metrics"); ok {
		m, err := parseMetricsConfig(raw)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		cfg.Metrics = m
	}
	if raw, ok := lookupSetting(settings, "tracing"); ok {
		tr, err := parseTracingConfig(raw, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		cfg.Tracing = tr
	}
	return nil
}

// parseScenarios accepts either a list of scenario maps or a map keyed by
// scenario name. Map entries are sorted by name for a stable order.
func parseScenarios(value interface{}) ([]Scenario, error) {
	if value == nil {
		return nil, nil
	}
	if named, err := toStringKeyMap(value); err == nil {
		names := make([]string, 0, len(named))
		for name := range named {
			names = append(names, name)
		}
		sort.Strings(names)
		scenarios := make([]Scenario, 0, len(names))
		for _, name := range names {
			entry, err := toStringKeyMap(named[name])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			sc, err := buildScenario(entry)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			if sc.Name == "" {
				sc.Name = name
			}
			scenarios = append(scenarios, sc)
		}
		return scenarios, nil
	}

	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	scenarios := make([]Scenario, 0, len(items))
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		sc, err := buildScenario(entry)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

func buildScenario(settings map[string]interface{}) (Scenario, error) {
	sc := Scenario{
		Executor:     ExecutorConstantVUs,
		Actors:       1,
		GracefulStop: DefaultGracefulStop,
	}
	if raw, ok := lookupSetting(settings, "name"); ok {
		val, err := asString(raw)
		if err != nil {
			return Scenario{}, fmt.Errorf("name: %w", err)
		}
		sc.Name = strings.TrimSpace(val)
	}
	// "exec" is accepted for configs written against k6 option names.
	if raw, ok := lookupSetting(settings, "behavior", "exec"); ok {
		val, err := asString(raw)
		if err != nil {
			return Scenario{}, fmt.Errorf("behavior: %w", err)
		}
		sc.Behavior = Behavior(strings.ToLower(strings.TrimSpace(val)))
	}
	if raw, ok := lookupSetting(settings, "executor"); ok {
		val, err := asString(raw)
		if err != nil {
			return Scenario{}, fmt.Errorf("executor: %w", err)
		}
		if val = strings.ToLower(strings.TrimSpace(val)); val != "" {
			sc.Executor = Executor(val)
		}
	}
	if raw, ok := lookupSetting(settings, "actors", "vus"); ok {
		val, err := asInt(raw)
		if err != nil {
			return Scenario{}, fmt.Errorf("actors: %w", err)
		}
		sc.Actors = val
	}
	if raw, ok := lookupSetting(settings, "starttime", "start_time", "start-time"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return Scenario{}, fmt.Errorf("start_time: %w", err)
		}
		sc.StartTime = dur
	}
	if raw, ok := lookupSetting(settings, "duration"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return Scenario{}, fmt.Errorf("duration: %w", err)
		}
		sc.Duration = dur
	}
	if raw, ok := lookupSetting(settings, "iterations"); ok {
		val, err := asInt(raw)
		if err != nil {
			return Scenario{}, fmt.Errorf("iterations: %w", err)
		}
		sc.Iterations = val
	}
	if raw, ok := lookupSetting(settings, "gracefulstop", "graceful_stop", "graceful-stop"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return Scenario{}, fmt.Errorf("graceful_stop: %w", err)
		}
		sc.GracefulStop = dur
	}
	if raw, ok := lookupSetting(settings, "pace"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return Scenario{}, fmt.Errorf("pace: %w", err)
		}
		sc.Pace = val
	}
	if raw, ok := lookupSetting(settings, "arrival", "arrival_model", "arrival-model"); ok {
		val, err := asString(raw)
		if err != nil {
			return Scenario{}, fmt.Errorf("arrival: %w", err)
		}
		sc.Arrival = ArrivalModel(strings.ToLower(strings.TrimSpace(val)))
	}
	return sc, nil
}

func parseSubscribeConfig(value interface{}, base SubscribeConfig) (SubscribeConfig, error) {
	if value == nil {
		return base, nil
	}
	settings, err := toStringKeyMap(value)
	if err != nil {
		return SubscribeConfig{}, err
	}
	sub := base
	if raw, ok := lookupSetting(settings, "hold"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return SubscribeConfig{}, fmt.Errorf("hold: %w", err)
		}
		sub.Hold = dur
	}
	if raw, ok := lookupSetting(settings, "maxmessages", "max_messages", "max-messages"); ok {
		val, err := asInt(raw)
		if err != nil {
			return SubscribeConfig{}, fmt.Errorf("max_messages: %w", err)
		}
		sub.MaxMessages = val
	}
	return sub, nil
}

func parseAuthConfig(value interface{}) (AuthConfig, error) {
	var auth AuthConfig
	if value != nil {
		settings, err := toStringKeyMap(value)
		if err != nil {
			return AuthConfig{}, err
		}
		strField := func(dst *string, name string, keys ...string) error {
			raw, ok := lookupSetting(settings, keys...)
			if !ok {
				return nil
			}
			val, err := asString(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = strings.TrimSpace(val)
			return nil
		}
		var typ string
		for _, f := range []struct {
			dst  *string
			name string
			keys []string
		}{
			{&typ, "type", []string{"type"}},
			{&auth.TokenURL, "token_url", []string{"tokenurl", "token_url", "token-url"}},
			{&auth.ClientID, "client_id", []string{"clientid", "client_id", "client-id"}},
			{&auth.ClientSecret, "client_secret", []string{"clientsecret", "client_secret", "client-secret"}},
			{&auth.Username, "username", []string{"username"}},
			{&auth.Password, "password", []string{"password"}},
			{&auth.StaticToken, "static_token", []string{"statictoken", "static_token", "static-token"}},
		} {
			if err := strField(f.dst, f.name, f.keys...); err != nil {
				return AuthConfig{}, err
			}
		}
		auth.Type = AuthType(strings.ToLower(typ))
		if raw, ok := lookupSetting(settings, "scopes"); ok {
			scopes, err := asStringSlice(raw)
			if err != nil {
				return AuthConfig{}, fmt.Errorf("scopes: %w", err)
			}
			auth.Scopes = scopes
		}
		if raw, ok := lookupSetting(settings, "refreshbeforeexpiry", "refresh_before_expiry", "refresh-before-expiry"); ok {
			val, err := asDuration(raw)
			if err != nil {
				return AuthConfig{}, fmt.Errorf("refresh_before_expiry: %w", err)
			}
			auth.RefreshBeforeExpiry = val
		}
	}
	// Secrets may stay out of the file.
	if auth.ClientSecret == "" {
		auth.ClientSecret = os.Getenv("BROKERLOAD_AUTH_CLIENT_SECRET")
	}
	if auth.Password == "" {
		auth.Password = os.Getenv("BROKERLOAD_AUTH_PASSWORD")
	}
	if auth.StaticToken == "" {
		auth.StaticToken = os.Getenv("BROKERLOAD_AUTH_TOKEN")
	}
	return auth, nil
}

func parseMetricsConfig(value interface{}) (MetricsConfig, error) {
	if value == nil {
		return MetricsConfig{}, nil
	}
	settings, err := toStringKeyMap(value)
	if err != nil {
		return MetricsConfig{}, err
	}
	var m MetricsConfig
	if raw, ok := lookupSetting(settings, "addr", "address"); ok {
		val, err := asString(raw)
		if err != nil {
			return MetricsConfig{}, fmt.Errorf("addr: %w", err)
		}
		m.Addr = strings.TrimSpace(val)
	}
	return m, nil
}

func parseTracingConfig(value interface{}, base TracingConfig) (TracingConfig, error) {
	if value == nil {
		return base, nil
	}
	settings, err := toStringKeyMap(value)
	if err != nil {
		return TracingConfig{}, err
	}
	tr := base
	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("endpoint: %w", err)
		}
		tr.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("protocol: %w", err)
		}
		tr.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if raw, ok := lookupSetting(settings, "servicename", "service_name", "service-name"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("service_name: %w", err)
		}
		tr.ServiceName = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "samplerate", "sample_rate", "sample-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("sample_rate: %w", err)
		}
		tr.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("insecure: %w", err)
		}
		tr.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("propagate: %w", err)
		}
		tr.Propagate = &val
	}
	return tr, nil
}
