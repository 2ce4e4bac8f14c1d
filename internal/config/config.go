package config

import (
	"cmp"
	"fmt"
	"os"
	"strings"
	"time"
)

// Behavior names the actor loop a scenario runs.
type Behavior string

const (
	BehaviorPublish   Behavior = "publish"
	BehaviorSubscribe Behavior = "subscribe"
)

// Executor names how a scenario repeats its behavior.
type Executor string

const (
	ExecutorConstantVUs     Executor = "constant-vus"
	ExecutorPerVUIterations Executor = "per-vu-iterations"
)

// StatusCheckMode selects the predicate behind the "status acceptable" check.
type StatusCheckMode string

const (
	// StatusCheckNotOK passes when the status differs from OK. This is the
	// historical harness behaviour and almost certainly inverted.
	StatusCheckNotOK StatusCheckMode = "not_ok"
	StatusCheckOK    StatusCheckMode = "ok"
)

const (
	DefaultTarget            = "localhost:8080"
	DefaultSubject           = "sub"
	DefaultBodySize          = 4
	DefaultPublishIterations = 100
	DefaultIDPath            = "id"
	DefaultGracefulStop      = 30 * time.Second
	DefaultTimeout           = 30 * time.Second
	DefaultSubscribeHold     = time.Second
)

type Config struct {
	Target                string            `mapstructure:"target"`
	Subject               string            `mapstructure:"subject"`
	ProtoFile             string            `mapstructure:"proto_file"`
	Metadata              map[string]string `mapstructure:"metadata"`
	Timeout               time.Duration     `mapstructure:"timeout"`
	ConnectTimeout        time.Duration     `mapstructure:"connect_timeout"`
	TLS                   bool              `mapstructure:"tls"`
	Insecure              bool              `mapstructure:"insecure"`
	BodySize              int               `mapstructure:"body_size"`
	PublishIterations     int               `mapstructure:"publish_iterations"`
	Subscribe             SubscribeConfig   `mapstructure:"subscribe"`
	DiscardResponseBodies bool              `mapstructure:"discard_response_bodies"`
	StatusCheck           StatusCheckMode   `mapstructure:"status_check"`
	IDPath                string            `mapstructure:"id_path"`
	Scenarios             []Scenario        `mapstructure:"scenarios"`
	Thresholds            []string          `mapstructure:"thresholds"`
	JSONOutput            bool              `mapstructure:"json_output"`
	Dashboard             bool              `mapstructure:"dashboard"`
	LogLevel              string            `mapstructure:"log_level"`
	Auth                  AuthConfig        `mapstructure:"auth"`
	Metrics               MetricsConfig     `mapstructure:"metrics"`
	Tracing               TracingConfig     `mapstructure:"tracing"`
	ConfigFile            string            `mapstructure:"-"`
}

// Scenario is one named population of actors.
type Scenario struct {
	Name         string        `mapstructure:"name"`
	Behavior     Behavior      `mapstructure:"behavior"`
	Executor     Executor      `mapstructure:"executor"`
	Actors       int           `mapstructure:"actors"`
	StartTime    time.Duration `mapstructure:"start_time"`
	Duration     time.Duration `mapstructure:"duration"`
	Iterations   int           `mapstructure:"iterations"`
	GracefulStop time.Duration `mapstructure:"graceful_stop"`
	Pace         float64       `mapstructure:"pace"` // invocations per second per actor, 0 = unpaced
	Arrival      ArrivalModel  `mapstructure:"arrival"`
}

// ArrivalModel spaces paced invocations.
type ArrivalModel string

const (
	ArrivalUniform ArrivalModel = "uniform"
	ArrivalPoisson ArrivalModel = "poisson"
)

type SubscribeConfig struct {
	Hold        time.Duration `mapstructure:"hold"`
	MaxMessages int           `mapstructure:"max_messages"`
}

type AuthType string

const (
	AuthTypeStatic                  AuthType = "static"
	AuthTypeOAuth2ClientCredentials AuthType = "oauth2_client_credentials"
	AuthTypeOAuth2ResourceOwner     AuthType = "oauth2_resource_owner"
)

// AuthConfig selects how bearer tokens are attached to broker calls.
type AuthConfig struct {
	Type                AuthType      `mapstructure:"type"`
	TokenURL            string        `mapstructure:"token_url"`
	ClientID            string        `mapstructure:"client_id"`
	ClientSecret        string        `mapstructure:"client_secret"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	Scopes              []string      `mapstructure:"scopes"`
	StaticToken         string        `mapstructure:"static_token"`
	RefreshBeforeExpiry time.Duration `mapstructure:"refresh_before_expiry"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // Prometheus listen address, empty disables the endpoint
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"` // grpc or http
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   *bool   `mapstructure:"propagate"`
}

// Enabled reports whether an exporter endpoint is configured, either here or
// through OTEL_EXPORTER_OTLP_ENDPOINT.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate reports whether trace context is injected into outgoing
// metadata. It follows Enabled unless set explicitly.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

// Default returns the configuration that reproduces the stock harness:
// plaintext to localhost:8080, ten publishers and ten subscribers for two minutes.
func Default() Config {
	return Config{
		Target:                DefaultTarget,
		Subject:               DefaultSubject,
		Metadata:              map[string]string{},
		Timeout:               DefaultTimeout,
		ConnectTimeout:        10 * time.Second,
		BodySize:              DefaultBodySize,
		PublishIterations:     DefaultPublishIterations,
		Subscribe:             SubscribeConfig{Hold: DefaultSubscribeHold},
		DiscardResponseBodies: true,
		StatusCheck:           StatusCheckNotOK,
		IDPath:                DefaultIDPath,
		Scenarios:             DefaultScenarios(),
		LogLevel:              "info",
		Tracing:               TracingConfig{SampleRate: 1.0},
	}
}

// DefaultScenarios returns the publishers and subscribers scenarios.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{
			Name:         "publishers",
			Behavior:     BehaviorPublish,
			Executor:     ExecutorConstantVUs,
			Actors:       10,
			Duration:     2 * time.Minute,
			GracefulStop: DefaultGracefulStop,
		},
		{
			Name:         "subscribers",
			Behavior:     BehaviorSubscribe,
			Executor:     ExecutorConstantVUs,
			Actors:       10,
			Duration:     2 * time.Minute,
			GracefulStop: DefaultGracefulStop,
		},
	}
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	if strings.TrimSpace(c.Target) == "" {
		issues = append(issues, "target is required (use --help for usage information)")
	}
	if strings.TrimSpace(c.Subject) == "" {
		issues = append(issues, "subject is required")
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}
	if c.ConnectTimeout < 0 {
		issues = append(issues, "connect_timeout must be >= 0")
	}
	if c.BodySize < 0 {
		issues = append(issues, "body_size must be >= 0")
	}
	if c.PublishIterations < 1 {
		issues = append(issues, "publish_iterations must be >= 1")
	}
	if c.Subscribe.Hold < 0 {
		issues = append(issues, "subscribe.hold must be >= 0")
	}
	if c.Subscribe.MaxMessages < 0 {
		issues = append(issues, "subscribe.max_messages must be >= 0")
	}
	// The hold starts once the stream is up and lives inside the call timeout.
	if hold, timeout := cmp.Or(c.Subscribe.Hold, DefaultSubscribeHold), cmp.Or(c.Timeout, DefaultTimeout); c.Subscribe.Hold >= 0 && c.Timeout >= 0 && hold >= timeout {
		issues = append(issues, fmt.Sprintf("subscribe.hold (%s) must be shorter than timeout (%s)", hold, timeout))
	}
	switch c.StatusCheck {
	case StatusCheckNotOK, StatusCheckOK:
	default:
		issues = append(issues, fmt.Sprintf("status_check must be %q or %q, got %q", StatusCheckNotOK, StatusCheckOK, c.StatusCheck))
	}
	if c.Dashboard && c.JSONOutput {
		issues = append(issues, "dashboard and json-output are mutually exclusive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("log_level %q is not supported", c.LogLevel))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, "tracing.sample_rate must be between 0.0 and 1.0")
	}

	issues = append(issues, validateAuthConfig(c.Auth)...)
	issues = append(issues, validateScenarios(c.Scenarios)...)

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

// Warnings returns non-fatal observations about the configuration.
func (c Config) Warnings() []string {
	var warnings []string
	if c.StatusCheck == StatusCheckNotOK {
		warnings = append(warnings, `status_check "not_ok" counts non-OK statuses as passing; set status_check: ok to count OK responses instead`)
	}
	if c.TLS && c.Insecure {
		warnings = append(warnings, "TLS verification is DISABLED (insecure: true); use only against test brokers")
	}
	if c.Auth.Type == AuthTypeOAuth2ResourceOwner {
		warnings = append(warnings, "oauth2_resource_owner (password grant) is a legacy flow; prefer oauth2_client_credentials")
	}
	if c.Auth.Type != "" && !c.TLS {
		warnings = append(warnings, "bearer tokens are sent over a plaintext connection; enable tls for real brokers")
	}
	total := 0
	for _, sc := range c.Scenarios {
		total += sc.Actors
	}
	if total > 500 {
		warnings = append(warnings, fmt.Sprintf("high actor count configured (%d). Ensure you have authorization to load the target broker", total))
	}
	return warnings
}

func validateAuthConfig(auth AuthConfig) []string {
	var issues []string
	required := func(value, field string) {
		if strings.TrimSpace(value) == "" {
			issues = append(issues, fmt.Sprintf("auth: %s is required for %s", field, auth.Type))
		}
	}
	switch auth.Type {
	case "":
		return nil
	case AuthTypeStatic:
		required(auth.StaticToken, "static_token")
	case AuthTypeOAuth2ClientCredentials:
		required(auth.TokenURL, "token_url")
		required(auth.ClientID, "client_id")
		required(auth.ClientSecret, "client_secret")
	case AuthTypeOAuth2ResourceOwner:
		required(auth.TokenURL, "token_url")
		required(auth.ClientID, "client_id")
		required(auth.ClientSecret, "client_secret")
		required(auth.Username, "username")
		required(auth.Password, "password")
	default:
		issues = append(issues, fmt.Sprintf("auth: unsupported type %q", auth.Type))
	}
	if auth.RefreshBeforeExpiry < 0 {
		issues = append(issues, "auth: refresh_before_expiry must be >= 0")
	}
	return issues
}

func validateScenarios(scenarios []Scenario) []string {
	if len(scenarios) == 0 {
		return []string{"at least one scenario is required"}
	}
	var issues []string
	seen := map[string]int{}
	for idx, sc := range scenarios {
		label := fmt.Sprintf("scenarios[%d]", idx)
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			issues = append(issues, label+": name is required")
		} else if prev, ok := seen[name]; ok {
			issues = append(issues, fmt.Sprintf("%s: duplicate name %q also defined at index %d", label, name, prev))
		} else {
			seen[name] = idx
		}
		switch sc.Behavior {
		case BehaviorPublish, BehaviorSubscribe:
		default:
			issues = append(issues, fmt.Sprintf("%s: behavior must be %q or %q, got %q", label, BehaviorPublish, BehaviorSubscribe, sc.Behavior))
		}
		if sc.Actors < 1 {
			issues = append(issues, label+": actors must be >= 1")
		}
		if sc.StartTime < 0 {
			issues = append(issues, label+": start_time must be >= 0")
		}
		if sc.Duration < 0 {
			issues = append(issues, label+": duration must be >= 0")
		}
		if sc.GracefulStop < 0 {
			issues = append(issues, label+": graceful_stop must be >= 0")
		}
		if sc.Pace < 0 {
			issues = append(issues, label+": pace must be >= 0")
		}
		switch sc.Arrival {
		case "", ArrivalUniform, ArrivalPoisson:
		default:
			issues = append(issues, fmt.Sprintf("%s: arrival must be %q or %q, got %q", label, ArrivalUniform, ArrivalPoisson, sc.Arrival))
		}
		switch sc.Executor {
		case ExecutorConstantVUs:
			if sc.Duration <= 0 {
				issues = append(issues, label+": duration must be > 0 for constant-vus")
			}
		case ExecutorPerVUIterations:
			if sc.Iterations < 1 {
				issues = append(issues, label+": iterations must be >= 1 for per-vu-iterations")
			}
		default:
			issues = append(issues, fmt.Sprintf("%s: unsupported executor %q", label, sc.Executor))
		}
	}
	return issues
}
