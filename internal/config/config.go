// Package config loads the engine configuration.
//
// Sources, later ones winning:
//  1. built-in defaults (Default)
//  2. an optional YAML file (--config flag or CODEENGINE_CONFIG)
//  3. environment variables prefixed CODEENGINE_, with "__" separating
//     sections: CODEENGINE_SANDBOX__MAX_CONCURRENCY=8 sets sandbox.max_concurrency
//
// A .env file in the working directory is loaded into the environment first.
// PORT / UV_PORT and METRICS_ENABLED are honored for compatibility with older
// deployments.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/sakif/code-engine/internal/executor"
	"github.com/sakif/code-engine/internal/executor/docker"
	"github.com/sakif/code-engine/internal/executor/process"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CODEENGINE_"

// Sandbox backends.
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
	Limits    LimitsConfig    `koanf:"limits"`
	MaxLimits LimitsConfig    `koanf:"max_limits"`
	Docker    DockerConfig    `koanf:"docker"`
	Auth      AuthConfig      `koanf:"auth"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string `koanf:"cors_origins"`
	// MaxCodeBytes rejects larger code/diff payloads before they reach the engine.
	MaxCodeBytes int `koanf:"max_code_bytes"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type SandboxConfig struct {
	Backend        string        `koanf:"backend"`
	MaxConcurrency int           `koanf:"max_concurrency"`
	MaxQueue       int           `koanf:"max_queue"`
	QueueWait      time.Duration `koanf:"queue_wait"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
	MaxTimeout     time.Duration `koanf:"max_timeout"`
	GracePeriod    time.Duration `koanf:"grace_period"`
	// TaskTTL is how long a finished async result is kept for pickup.
	TaskTTL time.Duration `koanf:"task_ttl"`
	// The rest applies to the process backend only. UIDBase and UIDCount
	// take effect when the server runs as root.
	WorkRoot      string   `koanf:"work_root"`
	Namespaces    string   `koanf:"namespaces"`
	UIDBase       int      `koanf:"uid_base"`
	UIDCount      int      `koanf:"uid_count"`
	ReadOnlyPaths []string `koanf:"read_only_paths"`
}

// LimitsConfig holds per-execution limits. Sizes accept docker-style units
// ("256m", "1g", or plain bytes).
type LimitsConfig struct {
	Memory    string        `koanf:"memory"`
	CPUTime   time.Duration `koanf:"cpu_time"`
	Output    string        `koanf:"output"`
	OpenFiles int64         `koanf:"open_files"`
	Processes int64         `koanf:"processes"`
	FileSize  string        `koanf:"file_size"`
}

type DockerConfig struct {
	Image      string  `koanf:"image"`
	CPUs       float64 `koanf:"cpus"`
	OCIRuntime string  `koanf:"oci_runtime"`
	TmpfsSize  string  `koanf:"tmpfs_size"`
}

type AuthConfig struct {
	// JWTSecret enables bearer-token auth on the API when set.
	JWTSecret string        `koanf:"jwt_secret"`
	Issuer    string        `koanf:"issuer"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

type RateLimitConfig struct {
	// RPS is the sustained per-client request rate; 0 disables limiting.
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Validation errors returned by Load.
var (
	ErrInvalidPort        = errors.New("server.port must be between 1 and 65535")
	ErrInvalidBackend     = errors.New("sandbox.backend must be process or docker")
	ErrInvalidNamespaces  = errors.New("sandbox.namespaces must be auto, on or off")
	ErrInvalidConcurrency = errors.New("sandbox.max_concurrency must be positive")
	ErrInvalidTimeout     = errors.New("sandbox.default_timeout must be positive and not exceed sandbox.max_timeout")
	ErrInvalidLimit       = errors.New("invalid resource limit")
	ErrInvalidLogFormat   = errors.New("log.format must be text or json")
)

// Default returns the built-in configuration.
func Default() Config {
	ex := executor.DefaultConfig()
	dk := docker.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxCodeBytes:    1 << 20,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Sandbox: SandboxConfig{
			Backend:        BackendProcess,
			MaxConcurrency: runtime.NumCPU(),
			MaxQueue:       2 * runtime.NumCPU(),
			QueueWait:      ex.QueueWait,
			DefaultTimeout: ex.DefaultTimeout,
			MaxTimeout:     ex.MaxTimeout,
			GracePeriod:    ex.GracePeriod,
			TaskTTL:        10 * time.Minute,
			Namespaces:     process.NamespacesAuto,
		},
		Limits:    limitsToConfig(ex.DefaultLimits),
		MaxLimits: limitsToConfig(ex.MaxLimits),
		Docker: DockerConfig{
			Image:     dk.Image,
			CPUs:      dk.CPULimit,
			TmpfsSize: dk.TmpfsSize,
		},
		Auth: AuthConfig{
			Issuer:   "code-engine",
			TokenTTL: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{RPS: 10, Burst: 20},
		Metrics:   MetricsConfig{Enabled: true},
	}
}

// Load reads the configuration. path may be empty, in which case
// CODEENGINE_CONFIG is consulted; no file at all is fine.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyLegacyEnv(k); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps CODEENGINE_SANDBOX__MAX_QUEUE to sandbox.max_queue.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c *Config) applyLegacyEnv(k *koanf.Koanf) error {
	if !k.Exists("server.port") {
		for _, name := range []string{"UV_PORT", "PORT"} {
			v := os.Getenv(name)
			if v == "" {
				continue
			}
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q", ErrInvalidPort, name, v)
			}
			c.Server.Port = port
			break
		}
	}
	if !k.Exists("metrics.enabled") {
		if v := os.Getenv("METRICS_ENABLED"); v != "" {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid METRICS_ENABLED %q: %w", v, err)
			}
			c.Metrics.Enabled = enabled
		}
	}
	return nil
}

// applyDefaults fills values a file or the environment may have blanked.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Sandbox.Backend == "" {
		c.Sandbox.Backend = d.Sandbox.Backend
	}
	if c.Sandbox.Namespaces == "" {
		c.Sandbox.Namespaces = d.Sandbox.Namespaces
	}
	if c.Sandbox.MaxQueue < 0 {
		c.Sandbox.MaxQueue = 0
	}
	if c.Sandbox.TaskTTL <= 0 {
		c.Sandbox.TaskTTL = d.Sandbox.TaskTTL
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = d.Auth.Issuer
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = d.Auth.TokenTTL
	}
	if c.Docker.Image == "" {
		c.Docker.Image = d.Docker.Image
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ErrInvalidPort
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return ErrInvalidLogFormat
	}
	switch c.Sandbox.Backend {
	case BackendProcess, BackendDocker:
	default:
		return ErrInvalidBackend
	}
	switch c.Sandbox.Namespaces {
	case process.NamespacesAuto, process.NamespacesOn, process.NamespacesOff:
	default:
		return ErrInvalidNamespaces
	}
	if c.Sandbox.MaxConcurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.Sandbox.DefaultTimeout <= 0 || c.Sandbox.MaxTimeout <= 0 || c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return ErrInvalidTimeout
	}
	if _, err := c.Executor(); err != nil {
		return err
	}
	return nil
}

// Executor converts the sandbox and limit sections into supervisor policy.
func (c *Config) Executor() (executor.Config, error) {
	defaults, err := c.Limits.resolve("limits")
	if err != nil {
		return executor.Config{}, err
	}
	ceilings, err := c.MaxLimits.resolve("max_limits")
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		MaxConcurrency: c.Sandbox.MaxConcurrency,
		MaxQueue:       c.Sandbox.MaxQueue,
		QueueWait:      c.Sandbox.QueueWait,
		DefaultTimeout: c.Sandbox.DefaultTimeout,
		MaxTimeout:     c.Sandbox.MaxTimeout,
		GracePeriod:    c.Sandbox.GracePeriod,
		DefaultLimits:  defaults,
		MaxLimits:      ceilings,
	}, nil
}

// Process returns the process backend configuration.
func (c *Config) Process() process.Config {
	pc := process.DefaultConfig()
	pc.WorkRoot = c.Sandbox.WorkRoot
	pc.Namespaces = c.Sandbox.Namespaces
	if c.Sandbox.UIDBase > 0 {
		pc.UIDBase = c.Sandbox.UIDBase
	}
	if c.Sandbox.UIDCount > 0 {
		pc.UIDCount = c.Sandbox.UIDCount
	}
	pc.ReadOnlyPaths = c.Sandbox.ReadOnlyPaths
	return pc
}

// DockerBackend returns the docker backend configuration.
func (c *Config) DockerBackend() docker.Config {
	dc := docker.DefaultConfig()
	dc.Image = c.Docker.Image
	if c.Docker.CPUs > 0 {
		dc.CPULimit = c.Docker.CPUs
	}
	dc.OCIRuntime = c.Docker.OCIRuntime
	if c.Docker.TmpfsSize != "" {
		dc.TmpfsSize = c.Docker.TmpfsSize
	}
	return dc
}

func (l LimitsConfig) resolve(section string) (executor.ResourceLimits, error) {
	size := func(key, v string) (int64, error) {
		if v == "" {
			return 0, nil
		}
		n, err := units.RAMInBytes(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %s.%s=%q", ErrInvalidLimit, section, key, v)
		}
		return n, nil
	}

	var (
		out executor.ResourceLimits
		err error
	)
	if out.MaxMemoryBytes, err = size("memory", l.Memory); err != nil {
		return out, err
	}
	if out.MaxOutputBytes, err = size("output", l.Output); err != nil {
		return out, err
	}
	if out.MaxFileSize, err = size("file_size", l.FileSize); err != nil {
		return out, err
	}
	if l.CPUTime < 0 || l.OpenFiles < 0 || l.Processes < 0 {
		return out, fmt.Errorf("%w: %s values must not be negative", ErrInvalidLimit, section)
	}
	out.MaxCPUTimeMs = l.CPUTime.Milliseconds()
	out.MaxOpenFiles = l.OpenFiles
	out.MaxProcesses = l.Processes
	return out, nil
}

func limitsToConfig(l executor.ResourceLimits) LimitsConfig {
	return LimitsConfig{
		Memory:    strconv.FormatInt(l.MaxMemoryBytes, 10),
		CPUTime:   l.CPUTime(),
		Output:    strconv.FormatInt(l.MaxOutputBytes, 10),
		OpenFiles: l.MaxOpenFiles,
		Processes: l.MaxProcesses,
		FileSize:  strconv.FormatInt(l.MaxFileSize, 10),
	}
}
