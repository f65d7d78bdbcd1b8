package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                 string
	LogLevel             string
	LogFormat            string
	ExternalURL          string
	SessionLifetime      time.Duration
	SweepInterval        time.Duration
	JoinTimeout          time.Duration
	ProbeInterval        time.Duration
	PongTimeout          time.Duration
	RateWindow           time.Duration
	RateLimit            int
	MaxDevices           int
	MaxEditors           int
	MaxFrameBytes        int64
	AllowedOrigins       []string
	GatewaySessionRate   int
	GatewaySendRate      int
	OTELExporterEndpoint string
	OTELServiceName      string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadFrom(nil)
}

// LoadWithFile reads a YAML file of KEY: value pairs (same keys as the
// environment) and layers the process environment on top of it.
// An empty path is equivalent to Load.
func LoadWithFile(path string) (*Config, error) {
	if path == "" {
		return Load()
	}
	fileVals, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return load(func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fileVals[key]
	})
}

// LoadFrom reads configuration from the provided map. If env is nil, all
// values come from os.Getenv.
func LoadFrom(env map[string]string) (*Config, error) {
	get := func(key string) string {
		if env != nil {
			return env[key]
		}
		return os.Getenv(key)
	}
	return load(get)
}

// ReadFile parses a YAML config file into a flat key/value map. Scalar values
// are stringified; sequences are joined with commas.
func ReadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[k] = strings.Join(parts, ",")
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func load(get func(string) string) (*Config, error) {
	cfg := &Config{}

	// Strings with defaults
	cfg.Port = getOrDefault(get, "PORT", "8787")
	cfg.LogLevel = getOrDefault(get, "LOG_LEVEL", "info")
	cfg.LogFormat = getOrDefault(get, "LOG_FORMAT", "text")
	cfg.ExternalURL = getOrDefault(get, "EXTERNAL_URL", "http://localhost:"+cfg.Port)
	cfg.OTELServiceName = getOrDefault(get, "OTEL_SERVICE_NAME", "devbridge")

	// Optional strings
	cfg.OTELExporterEndpoint = get("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.AllowedOrigins = splitList(get("ALLOWED_ORIGINS"))

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("invalid value for LOG_FORMAT: %q (want text or json)", cfg.LogFormat)
	}

	// Durations with defaults
	durations := []struct {
		dst *time.Duration
		key string
		def time.Duration
	}{
		{&cfg.SessionLifetime, "SESSION_LIFETIME", 8 * time.Hour},
		{&cfg.SweepInterval, "SESSION_SWEEP_INTERVAL", 5 * time.Minute},
		{&cfg.JoinTimeout, "JOIN_TIMEOUT", 30 * time.Second},
		{&cfg.ProbeInterval, "HEALTH_PROBE_INTERVAL", 30 * time.Second},
		{&cfg.PongTimeout, "PONG_TIMEOUT", 10 * time.Second},
		{&cfg.RateWindow, "RATE_LIMIT_WINDOW", time.Second},
	}
	for _, d := range durations {
		v, err := getDurationOrDefault(get, d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	// Ints with defaults
	ints := []struct {
		dst *int
		key string
		def int
	}{
		{&cfg.RateLimit, "RATE_LIMIT_MAX", 100},
		{&cfg.MaxDevices, "MAX_DEVICES", 10},
		{&cfg.MaxEditors, "MAX_EDITORS", 5},
		{&cfg.GatewaySessionRate, "GATEWAY_SESSION_RATE", 30},
		{&cfg.GatewaySendRate, "GATEWAY_SEND_RATE", 100},
	}
	for _, n := range ints {
		v, err := getIntOrDefault(get, n.key, n.def)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, fmt.Errorf("%s must be positive (got %d)", n.key, v)
		}
		*n.dst = v
	}

	var err error
	cfg.MaxFrameBytes, err = getInt64OrDefault(get, "MAX_FRAME_BYTES", 10<<20)
	if err != nil {
		return nil, err
	}
	if cfg.MaxFrameBytes <= 0 {
		return nil, fmt.Errorf("MAX_FRAME_BYTES must be positive (got %d)", cfg.MaxFrameBytes)
	}

	return cfg, nil
}

func getOrDefault(get func(string) string, key, defaultVal string) string {
	if v := get(key); v != "" {
		return v
	}
	return defaultVal
}

func getIntOrDefault(get func(string) string, key string, defaultVal int) (int, error) {
	v := get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return n, nil
}

func getInt64OrDefault(get func(string) string, key string, defaultVal int64) (int64, error) {
	v := get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return n, nil
}

func getDurationOrDefault(get func(string) string, key string, defaultVal time.Duration) (time.Duration, error) {
	v := get(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive (got %s)", key, v)
	}
	return d, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
