package config

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// fileScenario mirrors Scenario with durations in their string form so the
// written file reads like a hand-written one.
type fileScenario struct {
	Name         string  `yaml:"name"`
	Behavior     string  `yaml:"behavior"`
	Executor     string  `yaml:"executor"`
	Actors       int     `yaml:"actors"`
	StartTime    string  `yaml:"start_time"`
	Duration     string  `yaml:"duration,omitempty"`
	Iterations   int     `yaml:"iterations,omitempty"`
	GracefulStop string  `yaml:"graceful_stop"`
	Pace         float64 `yaml:"pace,omitempty"`
	Arrival      string  `yaml:"arrival,omitempty"`
}

type fileSubscribe struct {
	Hold        string `yaml:"hold"`
	MaxMessages int    `yaml:"max_messages"`
}

type fileTracing struct {
	Endpoint   string  `yaml:"endpoint"`
	Protocol   string  `yaml:"protocol"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// fileAuth never carries secrets; they come from the environment instead.
type fileAuth struct {
	Type                string   `yaml:"type"`
	TokenURL            string   `yaml:"token_url,omitempty"`
	ClientID            string   `yaml:"client_id,omitempty"`
	Username            string   `yaml:"username,omitempty"`
	Scopes              []string `yaml:"scopes,omitempty"`
	RefreshBeforeExpiry string   `yaml:"refresh_before_expiry,omitempty"`
}

type fileMetrics struct {
	Addr string `yaml:"addr"`
}

type fileConfig struct {
	Target                string            `yaml:"target"`
	Subject               string            `yaml:"subject"`
	ProtoFile             string            `yaml:"proto_file,omitempty"`
	Metadata              map[string]string `yaml:"metadata,omitempty"`
	Timeout               string            `yaml:"timeout"`
	ConnectTimeout        string            `yaml:"connect_timeout"`
	TLS                   bool              `yaml:"tls"`
	Insecure              bool              `yaml:"insecure"`
	BodySize              int               `yaml:"body_size"`
	PublishIterations     int               `yaml:"publish_iterations"`
	Subscribe             fileSubscribe     `yaml:"subscribe"`
	DiscardResponseBodies bool              `yaml:"discard_response_bodies"`
	StatusCheck           string            `yaml:"status_check"`
	IDPath                string            `yaml:"id_path"`
	Scenarios             []fileScenario    `yaml:"scenarios"`
	Thresholds            []string          `yaml:"thresholds"`
	JSONOutput            bool              `yaml:"json_output"`
	Dashboard             bool              `yaml:"dashboard"`
	LogLevel              string            `yaml:"log_level"`
	Auth                  *fileAuth         `yaml:"auth,omitempty"`
	Metrics               fileMetrics       `yaml:"metrics"`
	Tracing               fileTracing       `yaml:"tracing"`
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	return d.String()
}

// WriteYAML writes cfg as a YAML config file that Load reads back unchanged,
// apart from auth secrets which are never written.
func WriteYAML(w io.Writer, cfg Config) error {
	out := fileConfig{
		Target:            cfg.Target,
		Subject:           cfg.Subject,
		ProtoFile:         cfg.ProtoFile,
		Metadata:          cfg.Metadata,
		Timeout:           formatDuration(cfg.Timeout),
		ConnectTimeout:    formatDuration(cfg.ConnectTimeout),
		TLS:               cfg.TLS,
		Insecure:          cfg.Insecure,
		BodySize:          cfg.BodySize,
		PublishIterations: cfg.PublishIterations,
		Subscribe: fileSubscribe{
			Hold:        formatDuration(cfg.Subscribe.Hold),
			MaxMessages: cfg.Subscribe.MaxMessages,
		},
		DiscardResponseBodies: cfg.DiscardResponseBodies,
		StatusCheck:           string(cfg.StatusCheck),
		IDPath:                cfg.IDPath,
		Thresholds:            cfg.Thresholds,
		JSONOutput:            cfg.JSONOutput,
		Dashboard:             cfg.Dashboard,
		LogLevel:              cfg.LogLevel,
		Metrics:               fileMetrics{Addr: cfg.Metrics.Addr},
		Tracing: fileTracing{
			Endpoint:   cfg.Tracing.Endpoint,
			Protocol:   cfg.Tracing.Protocol,
			SampleRate: cfg.Tracing.SampleRate,
			Insecure:   cfg.Tracing.Insecure,
		},
	}
	if cfg.Auth.Type != "" {
		out.Auth = &fileAuth{
			Type:     string(cfg.Auth.Type),
			TokenURL: cfg.Auth.TokenURL,
			ClientID: cfg.Auth.ClientID,
			Username: cfg.Auth.Username,
			Scopes:   cfg.Auth.Scopes,
		}
		if cfg.Auth.RefreshBeforeExpiry > 0 {
			out.Auth.RefreshBeforeExpiry = cfg.Auth.RefreshBeforeExpiry.String()
		}
	}
	if out.Thresholds == nil {
		out.Thresholds = []string{}
	}
	for _, sc := range cfg.Scenarios {
		fs := fileScenario{
			Name:         sc.Name,
			Behavior:     string(sc.Behavior),
			Executor:     string(sc.Executor),
			Actors:       sc.Actors,
			StartTime:    formatDuration(sc.StartTime),
			Iterations:   sc.Iterations,
			GracefulStop: formatDuration(sc.GracefulStop),
			Pace:         sc.Pace,
			Arrival:      string(sc.Arrival),
		}
		if sc.Duration > 0 {
			fs.Duration = sc.Duration.String()
		}
		out.Scenarios = append(out.Scenarios, fs)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
