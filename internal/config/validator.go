package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tapwire/tapwire/internal/domain/intercept"
)

// RegisterCustomValidators registers tapwire-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	// hold_rule: the expression must compile as a CEL hold rule.
	if err := v.RegisterValidation("hold_rule", validateHoldRule); err != nil {
		return fmt.Errorf("register hold_rule validator: %w", err)
	}
	return nil
}

func validateHoldRule(fl validator.FieldLevel) bool {
	expr := fl.Field().String()
	if expr == "" {
		return true
	}
	_, err := intercept.CompileRule(expr)
	return err == nil
}

// Validate checks the configuration via struct tags plus cross-field
// rules, returning actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return c.validateTarget()
}

// validateTarget rejects a target descriptor the transport does not
// use: stdio takes a command, network transports take a URL. Whether a
// descriptor is set at all is not checked here.
func (c *Config) validateTarget() error {
	switch c.Proxy.Transport {
	case "stdio":
		if c.Proxy.TargetURL != "" {
			return errors.New("proxy.target_url is not used by the stdio transport; set proxy.target_command")
		}
	case "sse", "streamable_http":
		if c.Proxy.TargetCommand != "" {
			return fmt.Errorf("proxy.target_command is not used by the %s transport; set proxy.target_url", c.Proxy.Transport)
		}
	}
	return nil
}

// formatValidationErrors converts validator errors into a readable
// one-per-line message.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	lines := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		lines = append(lines, fmt.Sprintf("  %s: failed %q validation (value: %v)",
			strings.ToLower(fe.Namespace()), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration:\n%s", strings.Join(lines, "\n"))
}
