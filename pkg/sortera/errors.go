package sortera

import (
	"errors"
	"fmt"
)

// ErrorKind classifies analysis failures so that retry policy does not depend on the backend.
type ErrorKind string

const (
	KindUnavailable    ErrorKind = "UNAVAILABLE"
	KindTimeout        ErrorKind = "TIMEOUT"
	KindAuth           ErrorKind = "AUTH"
	KindRateLimit      ErrorKind = "RATE_LIMIT"
	KindMalformedInput ErrorKind = "MALFORMED_INPUT"
	KindUnknown        ErrorKind = "UNKNOWN"
	// KindParse is a model reply that could not be reduced to the required fields.
	KindParse ErrorKind = "PARSE"
)

// Fatal returns true for kinds that abort a run when seen during preflight.
func (k ErrorKind) Fatal() bool {
	return k == KindUnavailable || k == KindAuth
}

// ScoringError is returned by a quality scorer instead of a score.
type ScoringError struct {
	Image     ImageRecord `json:"image" yaml:"image"`
	Algorithm Algorithm   `json:"algorithm" yaml:"algorithm"`
	Reason    string      `json:"reason" yaml:"reason"`
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("score %s (%s): %s", e.Image.Path, e.Algorithm, e.Reason)
}

// ConfigError is a configuration problem detected before any work starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// IsConfigError returns true if err wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
