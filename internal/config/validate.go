package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{Field: "DATABASE_URL", Message: "required"})
	}
	if strings.TrimSpace(cfg.MediaDir) == "" {
		errs = append(errs, ValidationError{Field: "MEDIA_DIR", Message: "required"})
	}

	for _, d := range cfg.durations() {
		v, err := time.ParseDuration(*d.str)
		switch {
		case err != nil:
			errs = append(errs, ValidationError{
				Field:   d.env,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		case v < 0:
			errs = append(errs, ValidationError{Field: d.env, Message: "must not be negative"})
		case v == 0 && !d.allowZero:
			errs = append(errs, ValidationError{Field: d.env, Message: "must be positive"})
		}
	}

	if cfg.LeaderElectionEnabled && !cfg.IsPostgres() {
		errs = append(errs, ValidationError{
			Field:   "LEADER_ELECTION_ENABLED",
			Message: "requires a PostgreSQL DATABASE_URL",
		})
	}

	if cfg.MetricsEnabled && !strings.HasPrefix(cfg.MetricsPath, "/") {
		errs = append(errs, ValidationError{
			Field:   "METRICS_PATH",
			Message: fmt.Sprintf("must start with '/', got %q", cfg.MetricsPath),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
