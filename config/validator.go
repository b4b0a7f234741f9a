package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("env", func(fl validator.FieldLevel) bool {
		return slices.Contains([]string{"development", "staging", "production"}, fl.Field().String())
	})
	_ = v.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
		_, err := decimal.NewFromString(fl.Field().String())
		return err == nil
	})
	v.RegisterStructValidation(validateBackends, Config{})
	return v
}

// ConfigError describes one invalid setting.
type ConfigError struct {
	Field   string
	Message string
	Value   any
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors lists every invalid setting found in one pass.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, ce := range e {
		fmt.Fprintf(&sb, "  - %s\n", ce.Error())
	}
	return sb.String()
}

// ValidateWithDetails validates cfg and returns ValidationErrors describing each problem.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	details := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, ConfigError{
			Field:   fe.Namespace(),
			Message: describe(fe),
			Value:   fe.Value(),
		})
	}
	return details
}

// Tags reported by validateBackends.
const (
	tagRequiredForBackend = "required_for_backend"
	tagDistinctChannel    = "distinct_channel"
)

// validateBackends checks settings that only matter for the selected storage and broker.
func validateBackends(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	requireFor := func(value, field, backend string) {
		if strings.TrimSpace(value) == "" {
			sl.ReportError(value, field, field, tagRequiredForBackend, backend)
		}
	}

	if cfg.Storage.Type == "redis" || cfg.Broker.Type == "redis" {
		requireFor(cfg.Storage.Redis.Address, "Storage.Redis.Address", "redis")
	}
	if cfg.Storage.Type == "badger" || cfg.DeadLetter.Store == "badger" {
		requireFor(cfg.Storage.Badger.Path, "Storage.Badger.Path", "badger")
	}
	if cfg.Storage.Type == "postgres" {
		requireFor(cfg.Storage.Postgres.DSN, "Storage.Postgres.DSN", "postgres")
	}
	if cfg.Broker.Type == "rabbitmq" {
		requireFor(cfg.Broker.RabbitMQ.URL, "Broker.RabbitMQ.URL", "rabbitmq")
	}
	if cfg.Broker.OrdersChannel != "" && cfg.Broker.OrdersChannel == cfg.Broker.PaymentsChannel {
		sl.ReportError(cfg.Broker.PaymentsChannel, "Broker.PaymentsChannel", "PaymentsChannel", tagDistinctChannel, "")
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_if":
		return fmt.Sprintf("required when %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "env":
		return "must be development, staging or production"
	case "decimal":
		return "must be a decimal amount"
	case tagRequiredForBackend:
		return fmt.Sprintf("required when %s is used", fe.Param())
	case tagDistinctChannel:
		return "must differ from orders_channel"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
