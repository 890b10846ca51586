package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentrun.yaml"

// CLIFlags holds command-line flag values. Nil pointers indicate unset flags
// that should not override the config. Use ParseFlags to populate this struct.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
}

// ParseFlags parses command-line arguments into CLIFlags.
// Call this before Load/LoadWithCLI. Passing nil args parses os.Args[1:].
func ParseFlags(args []string) (CLIFlags, error) {
	var flags CLIFlags
	if args == nil {
		args = os.Args[1:]
	}

	fs := flag.NewFlagSet("agentrund", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP server port")
	logLevel := fs.String("log-level", "", "logging level (debug, info, warn, error)")
	dsn := fs.String("dsn", "", "PostgreSQL connection string")
	natsURL := fs.String("nats-url", "", "NATS server URL")

	if err := fs.Parse(args); err != nil {
		return flags, fmt.Errorf("parse flags: %w", err)
	}

	// Only set pointers for flags that were explicitly provided.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "dsn":
			flags.DSN = dsn
		case "nats-url":
			flags.NatsURL = natsURL
		}
	})

	return flags, nil
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI flags. The YAML path can be overridden
// via CLIFlags.ConfigPath.
func LoadWithCLI(flags CLIFlags) (*Config, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		return nil, err
	}

	applyCLI(cfg, flags)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return cfg, nil
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overlays CLI flag values onto cfg. Only non-nil flags override.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config. Worker, agent,
// sandbox, and snapshot knobs use their own established names; infra
// settings use the AGENTRUN_ prefix.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTRUN_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTRUN_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTRUN_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTRUN_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTRUN_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTRUN_PG_MAX_CONN_IDLE_TIME")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.ArtifactBucket, "AGENTRUN_ARTIFACT_BUCKET")
	setString(&cfg.Logging.Level, "AGENTRUN_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTRUN_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTRUN_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "AGENTRUN_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTRUN_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTRUN_CACHE_L1_SIZE_MB")

	// Worker
	setInt(&cfg.Worker.MaxJobAttempts, "MAX_JOB_ATTEMPTS")
	setSeconds(&cfg.Worker.MaxBackoff, "WORKER_MAX_BACKOFF")
	setSeconds(&cfg.Worker.RequeueRunningAfter, "WORKER_REQUEUE_RUNNING_AFTER_S")
	setInt(&cfg.Worker.KickQueuedLimit, "WORKER_KICK_QUEUED_LIMIT")
	setSeconds(&cfg.Worker.KickQueuedMinAge, "WORKER_KICK_QUEUED_MIN_AGE_S")
	setDuration(&cfg.Worker.SchedulerInterval, "WORKER_SCHEDULER_INTERVAL")
	setDuration(&cfg.Worker.CancelPollInterval, "WORKER_CANCEL_POLL_INTERVAL")

	// Agent
	setString(&cfg.Agent.CoreURL, "AGENT_CORE_URL")
	setString(&cfg.Agent.Provider, "AGENT_PROVIDER")
	setString(&cfg.Agent.Model, "AGENT_MODEL")
	setString(&cfg.Agent.WorkspaceBackend, "AGENT_WORKSPACE_BACKEND")
	setMillis(&cfg.Agent.PlanPhaseTimeout, "AGENT_PLAN_PHASE_TIMEOUT_MS")
	setMillis(&cfg.Agent.BuildPhaseTimeout, "AGENT_BUILD_PHASE_TIMEOUT_MS")

	// E2B sandbox
	setString(&cfg.E2B.APIKey, "E2B_API_KEY")
	setString(&cfg.E2B.Template, "E2B_TEMPLATE")
	setString(&cfg.E2B.BaseURL, "E2B_BASE_URL")
	setMillis(&cfg.E2B.SandboxTimeout, "E2B_SANDBOX_TIMEOUT_MS")
	setMillis(&cfg.E2B.RequestTimeout, "E2B_REQUEST_TIMEOUT_MS")
	setMillis(&cfg.E2B.CmdTimeout, "E2B_CMD_TIMEOUT_MS")
	setMillis(&cfg.E2B.HardTimeoutCap, "E2B_HARD_TIMEOUT_CAP_MS")
	setInt(&cfg.E2B.RetryAttempts, "E2B_RETRY_ATTEMPTS")
	setMillis(&cfg.E2B.RetryBaseDelay, "E2B_RETRY_BASE_DELAY_MS")
	setMillis(&cfg.E2B.RetryMaxDelay, "E2B_RETRY_MAX_DELAY_MS")

	// Snapshot
	setString(&cfg.Snapshot.AppRoot, "ZIP_APP_ROOT")
	setInt64(&cfg.Snapshot.MaxBytes, "ZIP_MAX_BYTES")
	setInt(&cfg.Snapshot.MaxFiles, "ZIP_MAX_FILES")

	// Git
	setInt(&cfg.Git.MaxConcurrent, "AGENTRUN_GIT_MAX_CONCURRENT")
	setDuration(&cfg.Git.OpTimeout, "AGENTRUN_GIT_OP_TIMEOUT")
	setString(&cfg.Git.CommitPrefix, "AGENTRUN_COMMIT_PREFIX")
	setString(&cfg.Git.WorkspaceRoot, "AGENTRUN_WORKSPACE_ROOT")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "AGENTRUN_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "AGENTRUN_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "AGENTRUN_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "AGENTRUN_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "AGENTRUN_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Worker.MaxJobAttempts < 1 {
		return errors.New("worker.max_job_attempts must be >= 1")
	}
	if cfg.Worker.MaxBackoff <= 0 {
		return errors.New("worker.max_backoff must be positive")
	}
	if cfg.E2B.SandboxTimeout > cfg.E2B.SandboxTimeoutCap {
		cfg.E2B.SandboxTimeout = cfg.E2B.SandboxTimeoutCap
	}
	switch cfg.Agent.WorkspaceBackend {
	case "", "host", "e2b":
	default:
		return fmt.Errorf("agent.workspace_backend must be \"host\" or \"e2b\", got %q", cfg.Agent.WorkspaceBackend)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setSeconds reads an integer number of seconds.
func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}

// setMillis reads an integer number of milliseconds.
func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
