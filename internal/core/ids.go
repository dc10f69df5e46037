package core

import "github.com/google/uuid"

// NewID returns a UUIDv7 for task and batch identifiers. Version 7 IDs
// embed a millisecond timestamp, so identifiers sort roughly by
// creation time in store listings and log output.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4
		// rather than refuse the submission.
		return uuid.New().String()
	}
	return id.String()
}

// IsTimeOrderedID reports whether s is a canonical lowercase UUIDv7.
// Client-supplied task IDs must pass this check so the store's ordering
// assumptions hold for them too.
func IsTimeOrderedID(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil || id.Version() != 7 || id.Variant() != uuid.RFC4122 {
		return false
	}
	return id.String() == s
}
