// Package validation registers request-binding validators and formats their errors
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/hrportal/hrportal/internal/auth"
)

// ValidationError describes one rejected field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects field errors
type ValidationErrors struct {
	Errors []*ValidationError `json:"errors"`
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return strings.Join(msgs, "; ")
}

var registerOnce sync.Once

// RegisterBindingValidators adds the "scope" and "role" tags to gin's validator.
// It is safe to call more than once.
func RegisterBindingValidators() error {
	var err error
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			err = errors.New("gin binding engine is not go-playground/validator")
			return
		}
		err = Register(v)
	})
	return err
}

// Register adds the HR portal tags to v
func Register(v *validator.Validate) error {
	if err := v.RegisterValidation("scope", validateScope); err != nil {
		return fmt.Errorf("register scope validator: %w", err)
	}
	if err := v.RegisterValidation("role", validateRole); err != nil {
		return fmt.Errorf("register role validator: %w", err)
	}
	return nil
}

func validateScope(fl validator.FieldLevel) bool {
	return auth.Scope(fl.Field().String()).IsValid()
}

func validateRole(fl validator.FieldLevel) bool {
	return auth.IsValidRole(fl.Field().String())
}

// FromBindingError converts a binding error into field errors. Other errors
// (malformed JSON) come back as a single "body" error.
func FromBindingError(err error) *ValidationErrors {
	out := &ValidationErrors{}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out.Errors = append(out.Errors, &ValidationError{Field: "body", Message: "malformed request body"})
		return out
	}

	for _, fe := range verrs {
		out.Errors = append(out.Errors, &ValidationError{
			Field:   lowerFirst(fe.Field()),
			Message: messageFor(fe),
		})
	}
	return out
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "numeric":
		return "must contain only digits"
	case "scope":
		return "must be one of self, team, department, all"
	case "role":
		return "must be a known role"
	default:
		return "is invalid"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// SanitizeEmail normalizes an email address
func SanitizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// SanitizeUsername normalizes a directory username
func SanitizeUsername(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
