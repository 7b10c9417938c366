package models

import "regexp"

var streamKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// ValidStreamKey reports whether key satisfies the stream key grammar.
func ValidStreamKey(key string) bool {
	return streamKeyPattern.MatchString(key)
}

// ValidateStreamKey returns ErrInvalidKey wrapped with the offending length
// when key does not satisfy the grammar.
func ValidateStreamKey(key string) error {
	if ValidStreamKey(key) {
		return nil
	}
	return Errorf(ErrInvalidKey, "stream key must be 8-64 characters of [A-Za-z0-9_-], got %d characters", len(key))
}
