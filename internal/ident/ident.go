// Package ident validates account and asset identifiers. Both ledgers build
// store keys of the form account/asset from them.
package ident

import (
	"fmt"
	"unicode"
)

// MaxLength bounds an identifier in bytes.
const MaxLength = 128

// Validate rejects empty or oversized identifiers and any containing the key
// separator, whitespace or non-printable runes.
func Validate(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(value) > MaxLength {
		return fmt.Errorf("%s longer than %d bytes", field, MaxLength)
	}
	for _, r := range value {
		if r == '/' || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%s contains %q", field, r)
		}
	}
	return nil
}
