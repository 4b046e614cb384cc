// Package idgen generates connection ids backed by nanoid.
package idgen

import (
	"fmt"
	"strings"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// ConnectionPrefix is prepended to every connection id.
const ConnectionPrefix = "conn-"

// Alphabet defines the character set used for the random portion of the ID.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
const Length = 16

// ConnectionID returns a new connection id.
func ConnectionID() (string, error) {
	return WithPrefix(ConnectionPrefix)
}

// WithPrefix returns a new random id with the given prefix.
func WithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// IsConnectionID reports whether s has the shape of a generated connection id.
func IsConnectionID(s string) bool {
	rest, ok := strings.CutPrefix(s, ConnectionPrefix)
	if !ok || len(rest) != Length {
		return false
	}
	for _, c := range rest {
		if !strings.ContainsRune(Alphabet, c) {
			return false
		}
	}
	return true
}
