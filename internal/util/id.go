package util

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a time-ordered identifier, optionally prefixed with the kind
// of entity it names ("ph_01hv...").
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
