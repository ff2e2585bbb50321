package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is a k-sortable unique identifier. Lexicographic order of IDs created
// in sequence matches creation order, which keeps compound keyset cursors
// stable.
type ID string

func NewID() ID {
	return ID(ksuid.New().String())
}

func (i ID) String() string { return string(i) }

func (i ID) IsZero() bool { return i == "" }

// ParseID validates that the given string is a well-formed ID.
func ParseID(s string) (ID, error) {
	if s == "" {
		return "", fmt.Errorf("id must not be empty")
	}
	if _, err := ksuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ID(s), nil
}
