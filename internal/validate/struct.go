package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	engineOnce sync.Once
	engine     *validator.Validate
)

// Engine returns the shared validator. Field names in errors use the json tag,
// and the "identifier" tag checks IDs with Identifier.
func Engine() *validator.Validate {
	engineOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			_, err := Identifier(s)
			return err == nil && s == strings.TrimSpace(s)
		})
		engine = v
	})
	return engine
}

// Struct validates a request DTO using its `validate` tags.
func Struct(v any) error {
	return Engine().Struct(v)
}

// FieldError is one failed field in a request body.
type FieldError struct {
	Field string
	Tag   string
	Param string
}

// FieldErrors extracts per-field failures from an error returned by Struct.
func FieldErrors(err error) []FieldError {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]FieldError, 0, len(ve))
	for _, fe := range ve {
		out = append(out, FieldError{Field: fe.Field(), Tag: fe.Tag(), Param: fe.Param()})
	}
	return out
}

// FormatError renders a validation error as a single client-facing message.
func FormatError(err error) string {
	fields := FieldErrors(err)
	if len(fields) == 0 {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	msgs := make([]string, 0, len(fields))
	for _, fe := range fields {
		msgs = append(msgs, formatFieldError(fe))
	}
	return strings.Join(msgs, ", ")
}

func formatFieldError(fe FieldError) string {
	switch fe.Tag {
	case "required":
		return fmt.Sprintf("field '%s' is required", fe.Field)
	case "min":
		return fmt.Sprintf("field '%s' must be at least %s", fe.Field, fe.Param)
	case "max":
		return fmt.Sprintf("field '%s' must be at most %s", fe.Field, fe.Param)
	case "gt":
		return fmt.Sprintf("field '%s' must be greater than %s", fe.Field, fe.Param)
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of [%s]", fe.Field, fe.Param)
	case "latitude":
		return fmt.Sprintf("field '%s' must be a latitude in [-90, 90]", fe.Field)
	case "longitude":
		return fmt.Sprintf("field '%s' must be a longitude in [-180, 180]", fe.Field)
	case "identifier":
		return fmt.Sprintf("field '%s' must be a valid identifier", fe.Field)
	case "datetime":
		return fmt.Sprintf("field '%s' must be a date in format %s", fe.Field, fe.Param)
	}
	return fmt.Sprintf("field '%s' failed validation for '%s'", fe.Field, fe.Tag)
}
