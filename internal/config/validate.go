package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Nurdok/spanreed/internal/surface"
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

	switch cfg.StoreBackend {
	case "memory", "postgres":
	default:
		errs = append(errs, ValidationError{
			Field:   "STORE_BACKEND",
			Message: fmt.Sprintf("must be 'memory' or 'postgres', got %q", cfg.StoreBackend),
		})
	}

	// DATABASE_URL is required for the postgres backend.
	if cfg.StoreBackend == "postgres" && cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required when STORE_BACKEND=postgres",
		})
	}

	// Leader election holds a Postgres advisory lock.
	if cfg.LeaderEnabled && cfg.StoreBackend != "postgres" {
		errs = append(errs, ValidationError{
			Field:   "LEADER_ELECTION_ENABLED",
			Message: "requires STORE_BACKEND=postgres",
		})
	}

	errs = appendDurationErrors(errs, "TICK_INTERVAL", cfg.TickIntervalStr)
	errs = appendDurationErrors(errs, "TRIGGER_DEDUP_TTL", cfg.DedupTTLStr)
	errs = appendDurationErrors(errs, "WATCHER_INTERVAL", cfg.WatcherIntervalStr)
	errs = appendDurationErrors(errs, "REQUEST_DEFAULT_TTL", cfg.RequestDefaultTTLStr)

	if cfg.SurfacesRaw != "" {
		var endpoints []surface.Endpoint
		if err := json.Unmarshal([]byte(cfg.SurfacesRaw), &endpoints); err != nil {
			errs = append(errs, ValidationError{
				Field:   "SURFACES",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
		} else {
			seen := make(map[string]bool)
			for i, ep := range endpoints {
				if ep.Name == "" || ep.URL == "" {
					errs = append(errs, ValidationError{
						Field:   "SURFACES",
						Message: fmt.Sprintf("entry %d: name and url are required", i),
					})
				}
				if seen[ep.Name] {
					errs = append(errs, ValidationError{
						Field:   "SURFACES",
						Message: fmt.Sprintf("duplicate surface name %q", ep.Name),
					})
				}
				seen[ep.Name] = true
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func appendDurationErrors(errs ValidationErrors, field, value string) ValidationErrors {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}
