package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their config key instead of the Go name.
	configValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateStruct checks the declarative constraints carried by the
// `validate` tags. Cross-field and domain rules live in Resolve.
func validateStruct(cfg *Config) error {
	err := configValidate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Errorf("%s: %s", fieldPath(fe), describe(fe)))
	}
	return errors.Join(out...)
}

// fieldPath drops the root type name: "Config.delivery.strategy" becomes
// "delivery.strategy".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "url":
		return fmt.Sprintf("invalid url %q", fe.Value())
	case "email":
		return fmt.Sprintf("invalid email %q", fe.Value())
	case "hostname_port":
		return fmt.Sprintf("invalid host:port %q", fe.Value())
	default:
		return "failed " + fe.Tag()
	}
}
