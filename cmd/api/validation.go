package main

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var errValidation = errors.New("validation failed")

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func newValidator() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())

	// Report the json name so messages match what the client sent.
	vld.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := vld.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && value.IsPositive()
	}); err != nil {
		return nil, fmt.Errorf("register positive_decimal: %w", err)
	}
	return vld, nil
}

// validateRequest checks the validate tags on a decoded request body and reports the
// first violation.
func validateRequest(payload any) error {
	validateOnce.Do(func() {
		validate, errValidate = newValidator()
	})
	if errValidate != nil {
		return fmt.Errorf("%w: %w", errValidation, errValidate)
	}

	err := validate.Struct(payload)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return fmt.Errorf("%w: %w", errValidation, err)
	}

	fe := fields[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: '%s' is required", errValidation, fe.Field())
	case "min", "max":
		return fmt.Errorf("%w: '%s' must satisfy %s=%s", errValidation, fe.Field(), fe.Tag(), fe.Param())
	case "oneof":
		return fmt.Errorf("%w: '%s' must be one of [%s]", errValidation, fe.Field(), fe.Param())
	case "positive_decimal":
		return fmt.Errorf("%w: '%s' must be a positive amount", errValidation, fe.Field())
	default:
		return fmt.Errorf("%w: '%s' failed %s", errValidation, fe.Field(), fe.Tag())
	}
}
