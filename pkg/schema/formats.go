package schema

import (
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	uuidPattern     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)
)

// FormatValidator validates a string format. Non-string instances always pass,
// matching JSON Schema format semantics.
type FormatValidator func(value string) bool

// customFormats extends the draft formats with names control-plane schemas use
// that the drafts do not define.
var customFormats = map[string]FormatValidator{
	"datetime": validateDateTime,
	"uuid":     validateUUID,
	"iso-date": validateDate,
}

// validateUUID validates the hyphenated UUID form. Version and variant nibbles
// are not checked, so the nil UUID passes.
func validateUUID(value string) bool {
	if value == "" {
		return false
	}
	return uuidPattern.MatchString(strings.ToLower(value))
}

// validateDate validates ISO 8601 date format (YYYY-MM-DD)
func validateDate(value string) bool {
	return datePattern.MatchString(value)
}

// validateDateTime validates ISO 8601 datetime format
func validateDateTime(value string) bool {
	return dateTimePattern.MatchString(value)
}

// registerFormats installs the custom formats on a compiler
func registerFormats(c *jsonschema.Compiler) {
	if c.Formats == nil {
		c.Formats = make(map[string]func(interface{}) bool, len(customFormats))
	}
	for name, fn := range customFormats {
		fn := fn
		c.Formats[name] = func(v interface{}) bool {
			s, ok := v.(string)
			if !ok {
				return true
			}
			return fn(s)
		}
	}
}

// GetFormatValidator returns a custom format validator by name
func GetFormatValidator(format string) (FormatValidator, bool) {
	v, ok := customFormats[format]
	return v, ok
}
