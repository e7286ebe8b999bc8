package observability

import (
	"strings"

	"github.com/smallbiznis/bookingpay/internal/config"
)

// Config is the observability view of the application config.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	Export ExportConfig
}

// ExportConfig selects where OTLP traces and metrics go.
type ExportConfig struct {
	Enabled       bool
	Endpoint      string
	Protocol      string
	SamplingRatio float64
}

var logLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

// LoadConfig derives observability settings from cfg. Unknown levels,
// formats and protocols fall back to info, json and grpc.
func LoadConfig(cfg config.Config) Config {
	t := cfg.Telemetry

	level := strings.ToLower(strings.TrimSpace(t.LogLevel))
	if _, ok := logLevels[level]; !ok {
		level = "info"
	}
	format := "json"
	if strings.EqualFold(strings.TrimSpace(t.LogFormat), "console") {
		format = "console"
	}
	protocol := "grpc"
	if p := strings.ToLower(strings.TrimSpace(t.OtelProtocol)); p == "http" || p == "http/protobuf" {
		protocol = "http"
	}

	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "bookingpay"
	}

	return Config{
		ServiceName: name,
		Environment: strings.ToLower(strings.TrimSpace(cfg.Environment)),
		Version:     strings.TrimSpace(cfg.AppVersion),
		LogLevel:    level,
		LogFormat:   format,
		Export: ExportConfig{
			Enabled:       t.OtelEnabled,
			Endpoint:      strings.TrimSpace(t.OtelEndpoint),
			Protocol:      protocol,
			SamplingRatio: clampRatio(t.SamplingRatio),
		},
	}
}

// Debug turns on stack traces in request logs and error-level stacks.
// Production never gets them unless LOG_LEVEL=debug.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch c.Environment {
	case "development", "dev", "local", "test":
		return true
	}
	return false
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
