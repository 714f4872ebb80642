// Package config loads the evalfarm configuration from YAML, environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/evalfarm/pkg/alert"
	"github.com/psantana5/evalfarm/pkg/coordinator"
	"github.com/psantana5/evalfarm/pkg/fitness"
	"github.com/psantana5/evalfarm/pkg/logging"
	"github.com/psantana5/evalfarm/pkg/models"
	"github.com/psantana5/evalfarm/pkg/retry"
	"github.com/psantana5/evalfarm/pkg/store"
	apitls "github.com/psantana5/evalfarm/pkg/tls"
	"github.com/psantana5/evalfarm/pkg/tracing"
	"github.com/psantana5/evalfarm/pkg/trackrunner"
	"github.com/psantana5/evalfarm/pkg/worker"
)

// EnvPrefix prefixes every environment override, e.g. EVALFARM_STORE_DSN
const EnvPrefix = "EVALFARM"

// Config is the complete evalfarm configuration
type Config struct {
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Tracks      []models.Track    `mapstructure:"tracks" yaml:"tracks"`
	Worker      WorkerConfig      `mapstructure:"worker" yaml:"worker"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Runner      RunnerConfig      `mapstructure:"runner" yaml:"runner"`
	Fitness     fitness.Config    `mapstructure:"fitness" yaml:"fitness"`
	Alert       alert.Config      `mapstructure:"alert" yaml:"alert"`
	Tracing     tracing.Config    `mapstructure:"tracing" yaml:"tracing"`
	Logging     logging.Config    `mapstructure:"logging" yaml:"logging"`
	API         APIConfig         `mapstructure:"api" yaml:"api"`
	Spawner     SpawnerConfig     `mapstructure:"spawner" yaml:"spawner"`
	Retry       retry.Config      `mapstructure:"retry" yaml:"retry"`
}

// StoreConfig selects and tunes the unit store backend
type StoreConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"` // sqlite, postgres or memory
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Path            string        `mapstructure:"path" yaml:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

// WorkerConfig tunes the worker agents
type WorkerConfig struct {
	Host              string        `mapstructure:"host" yaml:"host"` // empty uses the machine hostname
	Algo              string        `mapstructure:"algo" yaml:"algo"`
	Trial             float64       `mapstructure:"trial" yaml:"trial"` // 0 claims any trial
	PollMin           time.Duration `mapstructure:"poll_min" yaml:"poll_min"`
	PollMax           time.Duration `mapstructure:"poll_max" yaml:"poll_max"`
	StartupMargin     time.Duration `mapstructure:"startup_margin" yaml:"startup_margin"`
	MinFrameRate      float64       `mapstructure:"min_frame_rate" yaml:"min_frame_rate"`
	MaxHostCPUPercent float64       `mapstructure:"max_host_cpu_percent" yaml:"max_host_cpu_percent"`
	CPUSampleInterval time.Duration `mapstructure:"cpu_sample_interval" yaml:"cpu_sample_interval"`
	ReleaseTimeout    time.Duration `mapstructure:"release_timeout" yaml:"release_timeout"`
	MetricsAddr       string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// CoordinatorConfig tunes the generation loop
type CoordinatorConfig struct {
	Algo               string        `mapstructure:"algo" yaml:"algo"`
	Trial              float64       `mapstructure:"trial" yaml:"trial"`
	StartGeneration    int           `mapstructure:"start_generation" yaml:"start_generation"`
	Generations        int           `mapstructure:"generations" yaml:"generations"` // 0 runs until the population stops
	PopulationDir      string        `mapstructure:"population_dir" yaml:"population_dir"`
	PopulationPoll     time.Duration `mapstructure:"population_poll" yaml:"population_poll"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	TrackOverhead      time.Duration `mapstructure:"track_overhead" yaml:"track_overhead"`
	NoWorkerAlertAfter time.Duration `mapstructure:"no_worker_alert_after" yaml:"no_worker_alert_after"`
	WriteBackWorkers   int           `mapstructure:"write_back_workers" yaml:"write_back_workers"`

	SafetyFactor     float64       `mapstructure:"safety_factor" yaml:"safety_factor"`
	PerTrackOverhead time.Duration `mapstructure:"per_track_overhead" yaml:"per_track_overhead"`
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// RunnerConfig selects the track runner
type RunnerConfig struct {
	Type    string              `mapstructure:"type" yaml:"type"` // process or docker
	Process ProcessRunnerConfig `mapstructure:"process" yaml:"process"`
	Docker  DockerRunnerConfig  `mapstructure:"docker" yaml:"docker"`
}

// ProcessRunnerConfig mirrors trackrunner.ProcessConfig
type ProcessRunnerConfig struct {
	ServerCommand      []string      `mapstructure:"server_command" yaml:"server_command"`
	BotCommand         []string      `mapstructure:"bot_command" yaml:"bot_command"`
	WorkDir            string        `mapstructure:"work_dir" yaml:"work_dir"`
	BasePort           int           `mapstructure:"base_port" yaml:"base_port"`
	Env                []string      `mapstructure:"env" yaml:"env"`
	ServerStartupDelay time.Duration `mapstructure:"server_startup_delay" yaml:"server_startup_delay"`
	KillGrace          time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
}

// DockerRunnerConfig mirrors trackrunner.DockerConfig
type DockerRunnerConfig struct {
	Image       string   `mapstructure:"image" yaml:"image"`
	Command     []string `mapstructure:"command" yaml:"command"`
	Env         []string `mapstructure:"env" yaml:"env"`
	Port        int      `mapstructure:"port" yaml:"port"`
	WorkDir     string   `mapstructure:"work_dir" yaml:"work_dir"`
	CPULimit    float64  `mapstructure:"cpu_limit" yaml:"cpu_limit"`
	MemoryLimit int64    `mapstructure:"memory_limit" yaml:"memory_limit"`
	User        string   `mapstructure:"user" yaml:"user"`
}

// APIConfig configures the operator HTTP API
type APIConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// TokenHash is the bcrypt hash of the operator token guarding mutating routes
	TokenHash string        `mapstructure:"token_hash" yaml:"token_hash"`
	TLS       apitls.Config `mapstructure:"tls" yaml:"tls"`
}

// SpawnerConfig configures the worker process supervisor
type SpawnerConfig struct {
	Instances    int           `mapstructure:"instances" yaml:"instances"`
	RestartDelay time.Duration `mapstructure:"restart_delay" yaml:"restart_delay"`
	CheckEvery   time.Duration `mapstructure:"check_every" yaml:"check_every"`
}

// Default returns a configuration with every default filled in
func Default() *Config {
	wd := worker.DefaultConfig()
	cd := coordinator.DefaultConfig()
	rd := coordinator.DefaultRecoveryConfig()

	return &Config{
		Store: StoreConfig{
			Type:            "sqlite",
			Path:            "evalfarm.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Algo:              models.DefaultAlgo,
			PollMin:           wd.PollMin,
			PollMax:           wd.PollMax,
			StartupMargin:     wd.StartupMargin,
			MinFrameRate:      wd.MinFrameRate,
			CPUSampleInterval: wd.CPUSampleInterval,
			ReleaseTimeout:    wd.ReleaseTimeout,
			MetricsAddr:       ":9101",
		},
		Coordinator: CoordinatorConfig{
			Algo:               models.DefaultAlgo,
			Trial:              cd.Trial,
			PopulationDir:      "population",
			PopulationPoll:     5 * time.Second,
			PollInterval:       cd.PollInterval,
			TrackOverhead:      cd.TrackOverhead,
			NoWorkerAlertAfter: cd.NoWorkerAlertAfter,
			WriteBackWorkers:   cd.WriteBackWorkers,
			SafetyFactor:       rd.SafetyFactor,
			PerTrackOverhead:   rd.PerTrackOverhead,
			MaxAttempts:        rd.MaxAttempts,
		},
		Runner: RunnerConfig{
			Type: "process",
			Process: ProcessRunnerConfig{
				BasePort:  3000,
				KillGrace: 2 * time.Second,
			},
			Docker: DockerRunnerConfig{
				Port: 3000,
			},
		},
		Fitness: fitness.DefaultConfig(),
		Alert:   alert.DefaultConfig(),
		Tracing: tracing.Config{
			ServiceName:    "evalfarm",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			OTLPEndpoint:   "localhost:4318",
		},
		Logging: logging.Config{Level: "info"},
		API:     APIConfig{Addr: ":8080"},
		Spawner: SpawnerConfig{
			Instances:    1,
			RestartDelay: 5 * time.Second,
			CheckEvery:   time.Second,
		},
		Retry: retry.DefaultConfig(),
	}
}

// SetDefaults registers every default with v so environment overrides work
// for keys absent from the config file
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("store.type", d.Store.Type)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime)
	v.SetDefault("store.conn_max_idle_time", d.Store.ConnMaxIdleTime)

	v.SetDefault("worker.host", d.Worker.Host)
	v.SetDefault("worker.algo", d.Worker.Algo)
	v.SetDefault("worker.trial", d.Worker.Trial)
	v.SetDefault("worker.poll_min", d.Worker.PollMin)
	v.SetDefault("worker.poll_max", d.Worker.PollMax)
	v.SetDefault("worker.startup_margin", d.Worker.StartupMargin)
	v.SetDefault("worker.min_frame_rate", d.Worker.MinFrameRate)
	v.SetDefault("worker.max_host_cpu_percent", d.Worker.MaxHostCPUPercent)
	v.SetDefault("worker.cpu_sample_interval", d.Worker.CPUSampleInterval)
	v.SetDefault("worker.release_timeout", d.Worker.ReleaseTimeout)
	v.SetDefault("worker.metrics_addr", d.Worker.MetricsAddr)

	v.SetDefault("coordinator.algo", d.Coordinator.Algo)
	v.SetDefault("coordinator.trial", d.Coordinator.Trial)
	v.SetDefault("coordinator.start_generation", d.Coordinator.StartGeneration)
	v.SetDefault("coordinator.generations", d.Coordinator.Generations)
	v.SetDefault("coordinator.population_dir", d.Coordinator.PopulationDir)
	v.SetDefault("coordinator.population_poll", d.Coordinator.PopulationPoll)
	v.SetDefault("coordinator.poll_interval", d.Coordinator.PollInterval)
	v.SetDefault("coordinator.track_overhead", d.Coordinator.TrackOverhead)
	v.SetDefault("coordinator.no_worker_alert_after", d.Coordinator.NoWorkerAlertAfter)
	v.SetDefault("coordinator.write_back_workers", d.Coordinator.WriteBackWorkers)
	v.SetDefault("coordinator.safety_factor", d.Coordinator.SafetyFactor)
	v.SetDefault("coordinator.per_track_overhead", d.Coordinator.PerTrackOverhead)
	v.SetDefault("coordinator.max_attempts", d.Coordinator.MaxAttempts)

	v.SetDefault("runner.type", d.Runner.Type)
	v.SetDefault("runner.process.work_dir", d.Runner.Process.WorkDir)
	v.SetDefault("runner.process.base_port", d.Runner.Process.BasePort)
	v.SetDefault("runner.process.server_startup_delay", d.Runner.Process.ServerStartupDelay)
	v.SetDefault("runner.process.kill_grace", d.Runner.Process.KillGrace)
	v.SetDefault("runner.docker.image", d.Runner.Docker.Image)
	v.SetDefault("runner.docker.port", d.Runner.Docker.Port)
	v.SetDefault("runner.docker.work_dir", d.Runner.Docker.WorkDir)
	v.SetDefault("runner.docker.cpu_limit", d.Runner.Docker.CPULimit)
	v.SetDefault("runner.docker.memory_limit", d.Runner.Docker.MemoryLimit)
	v.SetDefault("runner.docker.user", d.Runner.Docker.User)

	v.SetDefault("fitness.bonus_mod", d.Fitness.BonusMod)
	v.SetDefault("fitness.time_mod", d.Fitness.TimeMod)
	v.SetDefault("fitness.episode_length", d.Fitness.EpisodeLength)
	v.SetDefault("fitness.completion_mod", d.Fitness.CompletionMod)
	v.SetDefault("fitness.completion_per_frame_mod", d.Fitness.CompletionPerFrameMod)
	v.SetDefault("fitness.target_mod", d.Fitness.TargetMod)

	v.SetDefault("alert.interval", d.Alert.Interval)
	v.SetDefault("alert.burst", d.Alert.Burst)
	v.SetDefault("alert.webhook_url", d.Alert.WebhookURL)

	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.service_version", d.Tracing.ServiceVersion)
	v.SetDefault("tracing.environment", d.Tracing.Environment)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.json", d.Logging.JSON)
	v.SetDefault("logging.directory", d.Logging.Directory)

	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.token_hash", d.API.TokenHash)
	v.SetDefault("api.tls.cert_file", d.API.TLS.CertFile)
	v.SetDefault("api.tls.key_file", d.API.TLS.KeyFile)

	v.SetDefault("spawner.instances", d.Spawner.Instances)
	v.SetDefault("spawner.restart_delay", d.Spawner.RestartDelay)
	v.SetDefault("spawner.check_every", d.Spawner.CheckEvery)

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.initial_backoff", d.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
}

// NewViper returns a viper instance with defaults and environment overrides
// wired in. path may be empty to search the default locations.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from path (or the default locations), applies
// environment overrides and validates the result
func Load(path string) (*Config, error) {
	v := NewViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Retry.ShouldRetry = retry.IsRetryable

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Dir returns the per-user configuration directory
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".evalfarm"
	}
	return filepath.Join(home, ".evalfarm")
}

// StoreConfig converts the store section
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:            c.Store.Type,
		DSN:             c.Store.DSN,
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
		ConnMaxIdleTime: c.Store.ConnMaxIdleTime,
	}
}

// WorkerConfig converts the worker section for one instance
func (c *Config) WorkerConfig(instance int) worker.Config {
	w := worker.DefaultConfig()
	w.Hostname = worker.Hostname(c.Worker.Host, instance)
	w.Algo = c.Worker.Algo
	if c.Worker.Trial != 0 {
		trial := c.Worker.Trial
		w.Trial = &trial
	}
	w.PollMin = c.Worker.PollMin
	w.PollMax = c.Worker.PollMax
	w.StartupMargin = c.Worker.StartupMargin
	w.MinFrameRate = c.Worker.MinFrameRate
	w.MaxAttempts = c.Coordinator.MaxAttempts
	w.MaxHostCPUPercent = c.Worker.MaxHostCPUPercent
	w.CPUSampleInterval = c.Worker.CPUSampleInterval
	w.ReleaseTimeout = c.Worker.ReleaseTimeout
	w.Retry = c.Retry
	return w
}

// CoordinatorConfig converts the coordinator section
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		Tracks:             c.Tracks,
		Algo:               c.Coordinator.Algo,
		Trial:              c.Coordinator.Trial,
		StartGeneration:    c.Coordinator.StartGeneration,
		PollInterval:       c.Coordinator.PollInterval,
		TrackOverhead:      c.Coordinator.TrackOverhead,
		NoWorkerAlertAfter: c.Coordinator.NoWorkerAlertAfter,
		WriteBackWorkers:   c.Coordinator.WriteBackWorkers,
		Recovery: coordinator.RecoveryConfig{
			SafetyFactor:     c.Coordinator.SafetyFactor,
			PerTrackOverhead: c.Coordinator.PerTrackOverhead,
			MaxAttempts:      c.Coordinator.MaxAttempts,
		},
		Fitness: c.Fitness,
		Retry:   c.Retry,
	}
}

// ProcessConfig converts the process runner section. Every worker instance
// gets its own port so co-located workers never collide.
func (c *Config) ProcessConfig(instance int) trackrunner.ProcessConfig {
	p := c.Runner.Process
	return trackrunner.ProcessConfig{
		ServerCommand:      p.ServerCommand,
		BotCommand:         p.BotCommand,
		WorkDir:            p.WorkDir,
		Port:               p.BasePort + instance,
		Env:                p.Env,
		ServerStartupDelay: p.ServerStartupDelay,
		KillGrace:          p.KillGrace,
	}
}

// DockerConfig converts the docker runner section
func (c *Config) DockerConfig() trackrunner.DockerConfig {
	d := c.Runner.Docker
	return trackrunner.DockerConfig{
		Image:       d.Image,
		Command:     d.Command,
		Env:         d.Env,
		Port:        d.Port,
		WorkDir:     d.WorkDir,
		CPULimit:    d.CPULimit,
		MemoryLimit: d.MemoryLimit,
		User:        d.User,
	}
}

// Track looks a track up in the catalog
func (c *Config) Track(id string) (models.Track, bool) {
	for _, t := range c.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return models.Track{}, false
}
