package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/concord/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "lock.ttl")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
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

// ValidOutputFormats returns the list of valid output formats
func ValidOutputFormats() []string {
	return []string{"text", "json", "yaml"}
}

// ValidColorModes returns the list of valid output.color values
func ValidColorModes() []string {
	return []string{"auto", "always", "never"}
}

// ValidBackends returns the list of valid storage backends
func ValidBackends() []string {
	return []string{"file", "sqlite"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateCoordination()...)
	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateDecision()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateOutput()...)
	return errors
}

func (c *Config) validateCoordination() []ValidationError {
	var errors []ValidationError

	if c.Coordination.StalenessWindow <= 0 {
		errors = append(errors, ValidationError{
			Field:   "coordination.staleness_window",
			Value:   c.Coordination.StalenessWindow,
			Message: "must be positive",
		})
	}
	if c.Coordination.SweepInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   "coordination.sweep_interval",
			Value:   c.Coordination.SweepInterval,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateLock() []ValidationError {
	var errors []ValidationError

	if c.Lock.TTL <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.ttl",
			Value:   c.Lock.TTL,
			Message: "must be positive",
		})
	}

	// A lock must not outlive its owner's staleness window.
	if c.Lock.TTL > 0 && c.Coordination.StalenessWindow > 0 && c.Lock.TTL > c.Coordination.StalenessWindow {
		errors = append(errors, ValidationError{
			Field:   "lock.ttl",
			Value:   c.Lock.TTL,
			Message: fmt.Sprintf("must not exceed coordination.staleness_window (%s)", c.Coordination.StalenessWindow),
		})
	}

	const minDelay = time.Millisecond
	if c.Lock.WaitBaseDelay < minDelay {
		errors = append(errors, ValidationError{
			Field:   "lock.wait_base_delay",
			Value:   c.Lock.WaitBaseDelay,
			Message: fmt.Sprintf("must be at least %s", minDelay),
		})
	}
	if c.Lock.WaitMaxDelay < c.Lock.WaitBaseDelay {
		errors = append(errors, ValidationError{
			Field:   "lock.wait_max_delay",
			Value:   c.Lock.WaitMaxDelay,
			Message: "must be at least lock.wait_base_delay",
		})
	}

	return errors
}

func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidBackends(), c.Storage.Backend) {
		errors = append(errors, ValidationError{
			Field:   "storage.backend",
			Value:   c.Storage.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateDecision() []ValidationError {
	var errors []ValidationError

	if c.Decision.DefaultLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "decision.default_limit",
			Value:   c.Decision.DefaultLimit,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(logging.ValidLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(logging.ValidLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateOutput() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidOutputFormats(), c.Output.Format) {
		errors = append(errors, ValidationError{
			Field:   "output.format",
			Value:   c.Output.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidOutputFormats(), ", ")),
		})
	}
	if !slices.Contains(ValidColorModes(), c.Output.Color) {
		errors = append(errors, ValidationError{
			Field:   "output.color",
			Value:   c.Output.Color,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidColorModes(), ", ")),
		})
	}

	return errors
}
