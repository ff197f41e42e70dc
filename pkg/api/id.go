package api

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type (
	// StepName uniquely identifies a registered step
	StepName string

	// Topic names a queue channel that events are published to
	Topic string

	// TraceID threads every event and state operation caused by one root
	// stimulus
	TraceID string
)

// InvalidIDChars matches characters not permitted in step names. Valid
// characters are: letters, digits, underscore, dot, hyphen, plus, space
var InvalidIDChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-+ ]`)

// SanitizeID lowercases an ID, removes invalid characters, replaces spaces
// with hyphens, and trims leading and trailing hyphens
func SanitizeID[T ~string](id T) T {
	lower := strings.ToLower(string(id))
	sanitized := InvalidIDChars.ReplaceAllString(lower, "")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	return T(strings.Trim(sanitized, "-"))
}

// NewTraceID returns a fresh random trace identifier
func NewTraceID() TraceID {
	return TraceID(uuid.NewString())
}

// NewID returns a fresh random identifier for messages and locks
func NewID() string {
	return uuid.NewString()
}
