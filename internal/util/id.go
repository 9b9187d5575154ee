package util

import "github.com/google/uuid"

// NewID mints a collision-resistant identifier, optionally namespaced with a
// short prefix such as "fbk" or "aip".
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
