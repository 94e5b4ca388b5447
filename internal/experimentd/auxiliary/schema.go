package auxiliary

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/common/experrors"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
)

const supportedVersion = 1

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by the name used in payloads
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationResult is either a valid config or the list of fields that made the payload invalid.
type ValidationResult struct {
	Config domain.ServiceConfig
	Errors []experrors.FieldError
}

func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0 && r.Config != nil
}

// Err returns nil for a valid result and an *experrors.ErrValidation otherwise.
func (r ValidationResult) Err(serviceType domain.ServiceType) error {
	if r.Valid() {
		return nil
	}
	return errors.WithStack(&experrors.ErrValidation{Service: string(serviceType), Fields: r.Errors})
}

// ValidateServiceConfig decodes payload into the config of serviceType and checks it against that type's schema.
// The payload is either the config itself or an object holding it under "config".
func ValidateServiceConfig(serviceType domain.ServiceType, payload []byte) ValidationResult {
	payload = unwrapConfig(payload)
	config, err := domain.DecodeServiceConfig(serviceType, payload)
	if err != nil {
		return ValidationResult{Errors: []experrors.FieldError{decodeFieldError(err)}}
	}
	return validateConfig(config)
}

func validateConfig(config domain.ServiceConfig) ValidationResult {
	err := validate.Struct(config)
	if err == nil {
		return ValidationResult{Config: config}
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return ValidationResult{Errors: []experrors.FieldError{{Field: "config", Message: err.Error()}}}
	}
	fields := make([]experrors.FieldError, 0, len(validationErrors))
	for _, e := range validationErrors {
		fields = append(fields, experrors.FieldError{Field: fieldName(e.Namespace()), Message: fieldMessage(e)})
	}
	return ValidationResult{Errors: fields}
}

func unwrapConfig(payload []byte) []byte {
	var wrapper struct {
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return payload
	}
	trimmed := bytes.TrimSpace(wrapper.Config)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed
	}
	return payload
}

func decodeFieldError(err error) experrors.FieldError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return experrors.FieldError{
			Field:   typeErr.Field,
			Message: fmt.Sprintf("expected %s but got %s", typeErr.Type, typeErr.Value),
		}
	}
	return experrors.FieldError{Field: "config", Message: "payload is not a valid JSON object"}
}

// fieldName strips the struct name from a validator namespace, "TensorboardConfig.run.image" -> "run.image".
func fieldName(namespace string) string {
	if idx := strings.Index(namespace, "."); idx != -1 {
		return namespace[idx+1:]
	}
	return namespace
}

func fieldMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "eq":
		if e.Field() == "version" {
			return fmt.Sprintf("unsupported version %v, only version %d is supported", e.Value(), supportedVersion)
		}
		return fmt.Sprintf("must be %s", e.Param())
	default:
		return fmt.Sprintf("failed %s validation", e.Tag())
	}
}
