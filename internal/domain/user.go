// Package domain contains entities without transport logic, just meta-data and events
package domain

import (
	"errors"
	"strings"
	"unicode"
)

const (
	MaxIdentityLen  = 128
	MaxSessionIDLen = 128
)

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
	ErrIdentityInvalid = errors.New("identity contains control characters")
)

// Identity is a participant identity carried in grants.
type Identity string

// NewIdentity trims and validates a raw identity.
func NewIdentity(raw string) (Identity, error) {
	s := strings.TrimSpace(raw)
	if len(s) == 0 {
		return "", ErrIdentityEmpty
	}
	if len(s) > MaxIdentityLen {
		return "", ErrIdentityTooLong
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", ErrIdentityInvalid
	}
	return Identity(s), nil
}
