// Package uuidv7 issues the time-ordered identifiers used for content
// object ids, memory etags and correlation ids.
package uuidv7

import "github.com/google/uuid"

// NewString returns a fresh UUIDv7. If the clock or entropy source fails it
// falls back to a random v4 id, which is still unique but not ordered.
func NewString() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
