package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, prefixed with "<prefix>_" when prefix is
// non-empty.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
