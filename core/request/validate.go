package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports a message that cannot be acted on.
type ValidationError struct {
	Kind   string
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Fields) > 0 {
		return fmt.Sprintf("invalid %s: %s", e.Kind, strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %v", e.Kind, e.Err)
	}
	return "invalid " + e.Kind
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate = v
	})
	return validate
}

// ValidateIntent requires every field the executor needs.
func ValidateIntent(i Intent) error {
	return validateStruct("intent", i)
}

// ValidateOutcome requires id, tenantId, a known status and completedAt.
func ValidateOutcome(o Outcome) error {
	return validateStruct("outcome", o)
}

// DecodeIntent unmarshals and validates an intent.
func DecodeIntent(raw json.RawMessage) (Intent, error) {
	var i Intent
	if err := json.Unmarshal(raw, &i); err != nil {
		return Intent{}, &ValidationError{Kind: "intent", Err: err}
	}
	return i, ValidateIntent(i)
}

// DecodeOutcome unmarshals and validates an outcome.
func DecodeOutcome(raw json.RawMessage) (Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return Outcome{}, &ValidationError{Kind: "outcome", Err: err}
	}
	return o, ValidateOutcome(o)
}

// ValidateStruct checks the validate tags of any struct value.
func ValidateStruct(kind string, v any) error {
	return validateStruct(kind, v)
}

func validateStruct(kind string, v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Kind: kind, Err: err}
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field())
	}
	return &ValidationError{Kind: kind, Fields: fields, Err: err}
}
