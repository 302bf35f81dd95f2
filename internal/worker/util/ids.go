package util

import "github.com/google/uuid"

// NewID returns a prefixed random identifier, e.g. "run_3f2a...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
