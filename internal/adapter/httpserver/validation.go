package httpserver

import (
	"regexp"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating one intake field.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func invalid(field, code, message string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate

	// Command names and process types share one shape: a letter followed by
	// letters, digits, underscores or hyphens.
	nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() {
		vld = validator.New()
		_ = vld.RegisterValidation("tagname", func(fl validator.FieldLevel) bool {
			return nameRe.MatchString(fl.Field().String())
		})
	})
	return vld
}

// ValidateCommandName checks the {name} path segment of a submission.
// Any well-formed name is accepted here; whether a handler exists for it is
// the worker's concern, not intake's.
func ValidateCommandName(name string) ValidationResult {
	if name == "" {
		return invalid("name", "REQUIRED", "command name is required")
	}
	if err := getValidator().Var(name, "max=100,tagname"); err != nil {
		if hasTag(err, "max") {
			return invalid("name", "TOO_LONG", "command name is too long (max 100 characters)")
		}
		return invalid("name", "INVALID_FORMAT", "command name must start with a letter and contain only letters, digits, underscores and hyphens")
	}
	return ValidationResult{Valid: true}
}

// ValidateIdempotencyKey checks the Idempotency-Key request header.
func ValidateIdempotencyKey(key string) ValidationResult {
	if key == "" {
		return invalid("idempotency_key", "REQUIRED", "Idempotency-Key header is required")
	}
	if err := getValidator().Var(key, "max=200,printascii"); err != nil {
		if hasTag(err, "max") {
			return invalid("idempotency_key", "TOO_LONG", "idempotency key is too long (max 200 characters)")
		}
		return invalid("idempotency_key", "INVALID_FORMAT", "idempotency key contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

// ValidateProcessType checks the {type} path segment of a process start.
func ValidateProcessType(processType string) ValidationResult {
	if processType == "" {
		return invalid("type", "REQUIRED", "process type is required")
	}
	if err := getValidator().Var(processType, "max=100,tagname"); err != nil {
		if hasTag(err, "max") {
			return invalid("type", "TOO_LONG", "process type is too long (max 100 characters)")
		}
		return invalid("type", "INVALID_FORMAT", "process type must start with a letter and contain only letters, digits, underscores and hyphens")
	}
	return ValidationResult{Valid: true}
}

func hasTag(err error, tag string) bool {
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return false
	}
	for _, fe := range ve {
		if fe.Tag() == tag {
			return true
		}
	}
	return false
}

// parseLimit interprets the ?limit= query parameter for list endpoints.
// Empty means the default page size; anything outside 1..500 is rejected.
func parseLimit(raw string, def int) (int, ValidationResult) {
	if raw == "" {
		return def, ValidationResult{Valid: true}
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 500 {
		return 0, invalid("limit", "INVALID_FORMAT", "limit must be an integer between 1 and 500")
	}
	return n, ValidationResult{Valid: true}
}
