package api

import "errors"

var (
	// ErrValidation marks malformed input that is rejected before a handler
	// runs. Errors wrapping it are never retried
	ErrValidation = errors.New("validation failed")
)

// IsValidation reports whether err belongs to the validation category
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
