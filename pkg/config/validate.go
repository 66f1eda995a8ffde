package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the rules that span fields.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    fe.Namespace(),
				Message: describeFieldError(fe),
			})
		}
	}

	controllers := make(map[string]bool, len(c.Controllers))
	for i, ctrl := range c.Controllers {
		path := fmt.Sprintf("Config.Controllers[%d]", i)
		if controllers[ctrl.ID] {
			errs = append(errs, ValidationError{Path: path + ".ID", Message: fmt.Sprintf("duplicate controller %q", ctrl.ID)})
		}
		controllers[ctrl.ID] = true

		if ctrl.Poll < 0 {
			errs = append(errs, ValidationError{Path: path + ".Poll", Message: "must not be negative"})
		}
		if ctrl.Resource.Kind == ResourceSQLite && c.Store.Path == "" {
			errs = append(errs, ValidationError{Path: path + ".Resource", Message: "sqlite resources need store.path"})
		}
		errs = append(errs, validateRetry(path, ctrl.Retry)...)
	}

	operations := make(map[string]bool, len(c.Operations))
	for i, op := range c.Operations {
		path := fmt.Sprintf("Config.Operations[%d]", i)
		if operations[op.Key()] {
			errs = append(errs, ValidationError{Path: path + ".ID", Message: fmt.Sprintf("duplicate operation %q", op.Key())})
		}
		operations[op.Key()] = true

		if controllers[op.Controller] {
			errs = append(errs, ValidationError{
				Path:    path + ".Controller",
				Message: fmt.Sprintf("%q is a drift controller and takes no other operations", op.Controller),
			})
		}
		errs = append(errs, validateRetry(path, op.Retry)...)

		if s := op.Sensor; s != nil && s.Kind == SensorInterval && s.Interval.Std() < time.Second {
			errs = append(errs, ValidationError{Path: path + ".Sensor.Interval", Message: "must be at least 1s"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateRetry(path string, r *RetryConfig) ValidationErrors {
	if r != nil && r.Delay < 0 {
		return ValidationErrors{{Path: path + ".Retry.Delay", Message: "must not be negative"}}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "hostname_port":
		return "must be host:port"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
