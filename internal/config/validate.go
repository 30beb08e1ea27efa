package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

// ValidateConfig checks the configuration for values bubbles cannot run with.
// sandboxed reports whether relay mode was selected.
func ValidateConfig(cfg *Config, sandboxed bool) []ValidationError {
	var errors []ValidationError

	if cfg.CPUs < 1 {
		errors = append(errors, ValidationError{
			Field:   "cpus",
			Message: "at least one core is required",
			Fatal:   true,
		})
	}

	if cfg.MemoryMB < 128 {
		errors = append(errors, ValidationError{
			Field:   "memory_mb",
			Message: "memory must be at least 128 MiB",
			Fatal:   true,
		})
	}

	if cfg.PollInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "poll_interval",
			Message: "poll interval must be positive",
			Fatal:   true,
		})
	}

	if cfg.GrowBytes < 0 {
		errors = append(errors, ValidationError{
			Field:   "grow_bytes",
			Message: "disk growth cannot be negative",
			Fatal:   true,
		})
	}

	switch cfg.Sandbox {
	case SandboxAuto, SandboxOn, SandboxOff:
	default:
		errors = append(errors, ValidationError{
			Field:   "sandbox",
			Message: fmt.Sprintf("unknown mode %q (want auto, on or off)", cfg.Sandbox),
			Fatal:   true,
		})
	}

	switch cfg.Bridge {
	case BridgeSocat:
	case BridgeNative:
		if sandboxed {
			errors = append(errors, ValidationError{
				Field:   "bridge",
				Message: "native bridge cannot reach vsock from inside the sandbox",
				Fatal:   true,
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "bridge",
			Message: fmt.Sprintf("unknown bridge %q (want socat or native)", cfg.Bridge),
			Fatal:   true,
		})
	}

	if strings.ContainsRune(cfg.TemplateName, '/') || cfg.TemplateName == "" {
		errors = append(errors, ValidationError{
			Field:   "template_name",
			Message: "template name must be a single path element",
			Fatal:   true,
		})
	}

	return errors
}

// HasFatal reports whether any of errors prevents running.
func HasFatal(errors []ValidationError) bool {
	for _, e := range errors {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration problems:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
