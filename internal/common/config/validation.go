package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Validate checks config against its `validate` struct tags. Each failing field is returned as a separate
// error inside a multierror.
func Validate(config interface{}) error {
	err := validator.New().Struct(config)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.WithStack(err)
	}
	LogValidationErrors(validationErrors)
	var result *multierror.Error
	for _, fieldErr := range validationErrors {
		result = multierror.Append(result, errors.Errorf("field %s failed validation %s", stripPrefix(fieldErr.Namespace()), fieldErr.Tag()))
	}
	return result.ErrorOrNil()
}

func LogValidationErrors(err validator.ValidationErrors) {
	if err != nil {
		for _, err := range err {
			fieldName := stripPrefix(err.Namespace())
			tag := err.Tag()
			switch tag {
			case "required":
				log.Errorf("ConfigError: Field %s is required but was not found", fieldName)
			default:
				log.Errorf("ConfigError: Field %s has invalid value %v: %s", fieldName, err.Value(), tag)
			}
		}
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
