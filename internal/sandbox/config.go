package sandbox

import (
	"fmt"
	"time"

	"safe-python-sandbox/internal/policy"
)

// Config is shared by every execution of a Coordinator.
type Config struct {
	Runtime             string        `yaml:"runtime"` // "python" (default) or "shell"
	Interpreter         string        `yaml:"interpreter"`
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	MaxTimeout          time.Duration `yaml:"max_timeout"`
	MaxOutputBytes      int           `yaml:"max_output_bytes"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	MaxMemoryMB         int64         `yaml:"max_memory_mb"` // 0 disables the address space limit
	MaxCPUTime          time.Duration `yaml:"max_cpu_time"`  // 0 disables the CPU limit
	KillGrace           time.Duration `yaml:"kill_grace"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"` // 0 disables the sweep loop
	NetworkIsolation    bool          `yaml:"network_isolation"`
	FilesystemIsolation bool          `yaml:"filesystem_isolation"`
	AllowedModules      []string      `yaml:"allowed_modules"`
	BlockedModules      []string      `yaml:"blocked_modules"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Runtime:             "python",
		Interpreter:         "python3",
		DefaultTimeout:      30 * time.Second,
		MaxTimeout:          5 * time.Minute,
		MaxOutputBytes:      1 << 20, // 1MB
		MaxConcurrent:       100,
		MaxMemoryMB:         512,
		MaxCPUTime:          30 * time.Second,
		KillGrace:           5 * time.Second,
		NetworkIsolation:    true,
		FilesystemIsolation: true,
		AllowedModules:      policy.DefaultAllowed(),
		BlockedModules:      policy.DefaultBlocked(),
	}
}

// Policy returns the restriction policy described by the module lists.
func (c Config) Policy() policy.Policy {
	return policy.Policy{Allowed: c.AllowedModules, Blocked: c.BlockedModules}
}

// Limits returns the resource limits applied when a request has no override.
func (c Config) Limits() ResourceLimits {
	return LimitsFor(c.MaxMemoryMB, c.MaxCPUTime)
}

// Validate reports the first problem found. Every error wraps
// ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.Interpreter == "":
		return fmt.Errorf("%w: interpreter is required", ErrInvalidConfig)
	case c.DefaultTimeout <= 0:
		return fmt.Errorf("%w: default_timeout must be positive", ErrInvalidConfig)
	case c.MaxTimeout < c.DefaultTimeout:
		return fmt.Errorf("%w: default_timeout (%s) must be <= max_timeout (%s)",
			ErrInvalidConfig, c.DefaultTimeout, c.MaxTimeout)
	case c.MaxOutputBytes < 1:
		return fmt.Errorf("%w: max_output_bytes must be >= 1", ErrInvalidConfig)
	case c.MaxConcurrent < 1:
		return fmt.Errorf("%w: max_concurrent must be >= 1", ErrInvalidConfig)
	case c.MaxMemoryMB < 0:
		return fmt.Errorf("%w: max_memory_mb must not be negative", ErrInvalidConfig)
	case c.MaxCPUTime < 0:
		return fmt.Errorf("%w: max_cpu_time must not be negative", ErrInvalidConfig)
	case c.KillGrace < 0:
		return fmt.Errorf("%w: kill_grace must not be negative", ErrInvalidConfig)
	case c.CleanupInterval < 0:
		return fmt.Errorf("%w: cleanup_interval must not be negative", ErrInvalidConfig)
	case c.NetworkIsolation && !networkIsolationSupported:
		return fmt.Errorf("%w: network_isolation requires Linux namespaces", ErrInvalidConfig)
	}
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
