// Package id generates and validates the fixed-prefix identifiers used
// across the wire contract. Every id is a three-letter prefix followed by
// exactly 17 alphanumeric characters, e.g. REQxk2v9QmZp41LcoTn.
package id

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

type Prefix string

const (
	Request      Prefix = "REQ"
	Attribute    Prefix = "ATT"
	Share        Prefix = "SHR"
	Notification Prefix = "NOT"
	Message      Prefix = "MSG"
	APIKey       Prefix = "KEY"
)

const suffixLen = 17

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var pattern = regexp.MustCompile(`^(REQ|ATT|SHR|NOT|MSG|KEY)[A-Za-z0-9]{17}$`)

// New returns a fresh id for the given prefix. Entropy comes from a random
// UUID mapped onto the base-62 alphabet.
func New(p Prefix) string {
	u := uuid.New()
	v := uuid.New()
	raw := append(u[:], v[:]...)
	buf := make([]byte, suffixLen)
	for i := range buf {
		buf[i] = alphabet[int(raw[i])%len(alphabet)]
	}
	return string(p) + string(buf)
}

// Valid reports whether s is a well-formed id of any known prefix.
func Valid(s string) bool {
	return pattern.MatchString(s)
}

// ValidFor reports whether s is a well-formed id with the given prefix.
func ValidFor(p Prefix, s string) bool {
	return Valid(s) && s[:3] == string(p)
}

// Ensure returns an error if s is not a well-formed id with the given prefix.
func Ensure(p Prefix, s string) error {
	if !ValidFor(p, s) {
		return fmt.Errorf("invalid %s id: %q", p, s)
	}
	return nil
}
