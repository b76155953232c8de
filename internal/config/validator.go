package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(validate); err != nil {
		panic(fmt.Sprintf("failed to register custom validators: %v", err))
	}
}

// RegisterCustomValidators registers sessionwarden-specific validation tags.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: value must parse with time.ParseDuration and be positive.
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	if err != nil {
		return false
	}
	return d > 0
}

// Validate checks the configuration for structural and cross-field errors.
// Call after SetDefaults.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(verrs)
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	if err := c.validateTimings(); err != nil {
		return err
	}
	if err := c.validateTLS(); err != nil {
		return err
	}
	return c.validateGuards()
}

// validateTimings enforces the ordering between the idle timings. The struct
// tags guarantee each field parses, so the accessors are safe here.
func (c *Config) validateTimings() error {
	budget := c.IdleBudget()
	window := c.WarningWindow()
	tick := c.Tick()

	if window >= budget {
		return fmt.Errorf("idle.warning_window (%s) must be shorter than idle.budget (%s)",
			c.Idle.WarningWindow, c.Idle.Budget)
	}
	if tick >= window {
		return fmt.Errorf("idle.tick (%s) must be shorter than idle.warning_window (%s)",
			c.Idle.Tick, c.Idle.WarningWindow)
	}
	return nil
}

// validateTLS requires the certificate and key to be configured together.
func (c *Config) validateTLS() error {
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	return nil
}

// validateGuards rejects unnamed or empty guard expressions. Expression
// compilation is checked when the guard registry is built at startup.
func (c *Config) validateGuards() error {
	for name, expr := range c.Guards {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("guards: guard name must not be empty")
		}
		if strings.TrimSpace(expr) == "" {
			return fmt.Errorf("guards.%s: expression must not be empty", name)
		}
	}
	return nil
}

// formatValidationErrors converts validator errors into a readable message.
func formatValidationErrors(errs validator.ValidationErrors) error {
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, formatSingleValidationError(err))
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

func formatSingleValidationError(err validator.FieldError) string {
	field := err.Namespace()
	field = strings.TrimPrefix(field, "Config.")

	switch err.Tag() {
	case "duration":
		return fmt.Sprintf("%s: %q is not a valid positive duration (e.g. \"15m\", \"250ms\")", field, err.Value())
	case "hostname_port":
		return fmt.Sprintf("%s: %q is not a valid host:port address", field, err.Value())
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s], got %q", field, err.Param(), err.Value())
	case "url":
		return fmt.Sprintf("%s: %q is not a valid URL", field, err.Value())
	case "file":
		return fmt.Sprintf("%s: file %q does not exist", field, err.Value())
	case "required":
		return fmt.Sprintf("%s: is required", field)
	default:
		return fmt.Sprintf("%s: failed %s validation", field, err.Tag())
	}
}
