package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate = validator.New()

// Validate validates the configuration using struct tags and custom rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs validation that struct tags cannot express.
func validateCustomRules(cfg *Config) error {
	// OIDC users are mapped onto local accounts.
	if cfg.OIDCIssuerURL != "" && cfg.DatabaseURL == "" {
		return fmt.Errorf("oidc_issuer_url: requires database_url")
	}
	if cfg.PrincipalNaming == "sha256" && cfg.PrincipalSalt == "" {
		return fmt.Errorf("principal_salt: required when principal_naming is sha256")
	}
	if cfg.MetricsAddr != "" && cfg.MetricsAddr == cfg.ListenAddr {
		return fmt.Errorf("metrics_addr: must differ from listen_addr")
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		value := e.Value()
		if e.StructField() == "JWTSecret" {
			value = "<redacted>"
		}
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), value)
	}
	return err
}
