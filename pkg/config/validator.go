package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError is one invalid configuration value
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every problem found in one pass
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

var (
	validStoreTypes  = []string{"sqlite", "postgres", "postgresql", "memory"}
	validRunnerTypes = []string{"process", "docker"}
	validLogLevels   = []string{"debug", "info", "warn", "warning", "error", "fatal"}
)

// Validate returns every invalid value, nil when the configuration is usable
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if !slices.Contains(validStoreTypes, c.Store.Type) {
		add("store.type", c.Store.Type, "must be one of "+strings.Join(validStoreTypes, ", "))
	}
	if (c.Store.Type == "postgres" || c.Store.Type == "postgresql") && c.Store.DSN == "" {
		add("store.dsn", c.Store.DSN, "required for postgres")
	}

	seen := make(map[string]bool)
	for i, t := range c.Tracks {
		field := fmt.Sprintf("tracks[%d]", i)
		if t.ID == "" {
			add(field+".id", t.ID, "must not be empty")
		}
		if seen[t.ID] {
			add(field+".id", t.ID, "duplicate track")
		}
		seen[t.ID] = true
		if t.TargetTime <= 0 {
			add(field+".target_time", t.TargetTime, "must be positive")
		}
	}

	if c.Worker.PollMin <= 0 {
		add("worker.poll_min", c.Worker.PollMin, "must be positive")
	}
	if c.Worker.PollMax < c.Worker.PollMin {
		add("worker.poll_max", c.Worker.PollMax, "must not be below worker.poll_min")
	}
	if c.Worker.MinFrameRate < 0 {
		add("worker.min_frame_rate", c.Worker.MinFrameRate, "must not be negative")
	}
	if c.Worker.MaxHostCPUPercent < 0 || c.Worker.MaxHostCPUPercent > 100 {
		add("worker.max_host_cpu_percent", c.Worker.MaxHostCPUPercent, "must be between 0 and 100")
	}

	if c.Coordinator.PollInterval <= 0 {
		add("coordinator.poll_interval", c.Coordinator.PollInterval, "must be positive")
	}
	if c.Coordinator.SafetyFactor < 1 {
		add("coordinator.safety_factor", c.Coordinator.SafetyFactor, "must be at least 1")
	}
	if c.Coordinator.MaxAttempts < 0 {
		add("coordinator.max_attempts", c.Coordinator.MaxAttempts, "must not be negative (0 is unlimited)")
	}
	if c.Coordinator.WriteBackWorkers < 1 {
		add("coordinator.write_back_workers", c.Coordinator.WriteBackWorkers, "must be at least 1")
	}

	if !slices.Contains(validRunnerTypes, c.Runner.Type) {
		add("runner.type", c.Runner.Type, "must be one of "+strings.Join(validRunnerTypes, ", "))
	}
	if c.Runner.Type == "docker" && c.Runner.Docker.Image == "" {
		add("runner.docker.image", c.Runner.Docker.Image, "required for the docker runner")
	}

	if !slices.Contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(validLogLevels, ", "))
	}
	if (c.API.TLS.CertFile == "") != (c.API.TLS.KeyFile == "") {
		add("api.tls", c.API.TLS.CertFile, "cert_file and key_file must be set together")
	}
	if c.Spawner.Instances < 1 {
		add("spawner.instances", c.Spawner.Instances, "must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries", c.Retry.MaxRetries, "must not be negative")
	}

	return errs
}

// RequireTracks reports an error when the track catalog is empty. Only the
// coordinator and replay need tracks.
func (c *Config) RequireTracks() error {
	if len(c.Tracks) == 0 {
		return ValidationError{Field: "tracks", Value: 0, Message: "at least one track is required"}
	}
	return nil
}
