package schema

import "time"

// Result holds the detailed outcome of a validation
type Result struct {
	Valid     bool          `json:"isValid"`
	Errors    []string      `json:"errors,omitempty"`
	ErrorPath string        `json:"errorPath,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Options controls gate behaviour
type Options struct {
	// LogValidationErrors logs failures at error level
	LogValidationErrors bool

	// LogValidationWarnings logs failures at warn level when LogValidationErrors is off
	LogValidationWarnings bool

	// CacheSize bounds the compiled schema cache (default 100)
	CacheSize int
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		LogValidationErrors:   true,
		LogValidationWarnings: true,
		CacheSize:             DefaultCacheSize,
	}
}
