package model

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// MaxKeyLength is the longest record key accepted, in bytes.
const MaxKeyLength = 1024

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ValidationError) add(field, msg string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: msg})
}

// ValidateKey checks a record key.
func ValidateKey(key string) error {
	var ve ValidationError
	validateKey(&ve, key)
	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// ValidatePut checks the arguments of a put. The value must be a single
// JSON object; a null image is reserved for delete events.
func ValidatePut(key string, value json.RawMessage) error {
	var ve ValidationError
	validateKey(&ve, key)
	trimmed := strings.TrimSpace(string(value))
	switch {
	case trimmed == "":
		ve.add("value", "is required")
	case !json.Valid(value):
		ve.add("value", "must be valid JSON")
	case trimmed[0] != '{':
		ve.add("value", "must be a JSON object")
	}
	if ve.HasErrors() {
		return &ve
	}
	return nil
}

func validateKey(ve *ValidationError, key string) {
	switch {
	case strings.TrimSpace(key) == "":
		ve.add("key", "is required")
	case len(key) > MaxKeyLength:
		ve.add("key", "must be at most 1024 bytes")
	case !utf8.ValidString(key):
		ve.add("key", "must be valid UTF-8")
	}
}
