package schema

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaError represents a schema-related error
type SchemaError struct {
	Message string
	Code    string
	Err     error
}

// Error implements the error interface
func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SchemaError) Unwrap() error {
	return e.Err
}

// CompileError creates a schema compilation error
func CompileError(err error) *SchemaError {
	return &SchemaError{
		Message: "schema compilation failed",
		Code:    "SCHEMA_COMPILE_ERROR",
		Err:     err,
	}
}

// violation is one leaf failure reported by the validator
type violation struct {
	location string
	message  string
}

// flattenViolations walks the cause tree and keeps the leaves. Interior nodes only
// say "doesn't validate with ..." and add noise.
func flattenViolations(err *jsonschema.ValidationError) []violation {
	if len(err.Causes) == 0 {
		return []violation{{location: err.InstanceLocation, message: err.Message}}
	}

	var out []violation
	for _, cause := range err.Causes {
		out = append(out, flattenViolations(cause)...)
	}
	return out
}

func (v violation) String() string {
	loc := v.location
	if loc == "" {
		loc = "/"
	}
	var b strings.Builder
	b.WriteString("at '")
	b.WriteString(loc)
	b.WriteString("': ")
	b.WriteString(v.message)
	return b.String()
}
