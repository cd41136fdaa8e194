package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// Validate reports every problem of the configuration at once. Missing
// required settings are listed together in one error.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		if name := field.Tag.Get("envconfig"); name != "" {
			return name
		}
		return field.Name
	})

	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}

		var missing []string
		for _, fe := range verrs {
			switch fe.Tag() {
			case "required":
				missing = append(missing, fe.Field())
			case "url":
				errs = append(errs, fmt.Errorf("%s must be a valid URL, got %q", fe.Field(), fe.Value()))
			case "oneof":
				errs = append(errs, fmt.Errorf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value()))
			default:
				errs = append(errs, fmt.Errorf("%s is invalid: %v", fe.Field(), fe.Value()))
			}
		}
		if len(missing) > 0 {
			errs = append([]error{fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))}, errs...)
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return utilerrors.NewAggregate(errs)
}

// ParseLogLevel accepts DEBUG, INFO, WARNING (or WARN) and ERROR in any case.
func ParseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "", "INFO":
		return zapcore.InfoLevel, nil
	case "WARNING", "WARN":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, errors.Errorf("LOG_LEVEL must be one of DEBUG, INFO, WARNING, ERROR, got %q", level)
	}
}
