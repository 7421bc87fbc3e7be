// Package phone normalizes and validates donor phone numbers.
//
// The service launched in Angola, so numbers canonicalize to the
// +2449[2-6]XXXXXXX mobile format. All matching against stored records uses
// the canonical form.
package phone

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidNumber is returned when a number cannot be canonicalized.
var ErrInvalidNumber = errors.New("invalid phone number")

var (
	validRe    = regexp.MustCompile(`^\+2449[2-6]\d{7}$`)
	nonDigitRe = regexp.MustCompile(`\D`)
)

// IsValid reports whether the number is already in canonical form.
func IsValid(number string) bool {
	return validRe.MatchString(number)
}

// Normalize canonicalizes a number to +244XXXXXXXXX form. Accepted inputs:
// a local 9-digit mobile number, the full number with or without "+", or an
// already canonical number.
func Normalize(number string) (string, error) {
	if strings.HasPrefix(number, "+244") && IsValid(number) {
		return number, nil
	}

	digits := nonDigitRe.ReplaceAllString(number, "")
	var candidate string
	switch {
	case len(digits) == 9 && strings.HasPrefix(digits, "9"):
		candidate = "+244" + digits
	case len(digits) == 12 && strings.HasPrefix(digits, "244"):
		candidate = "+" + digits
	default:
		return "", ErrInvalidNumber
	}

	if !IsValid(candidate) {
		return "", ErrInvalidNumber
	}
	return candidate, nil
}

// Mask hides the middle digits of a canonical number for logs and admin
// screens, e.g. +244923456789 -> +244923 *** 789.
func Mask(number string) string {
	if !IsValid(number) {
		return number
	}
	return number[:7] + " *** " + number[len(number)-3:]
}

// Carrier returns the mobile operator for a canonical number, or "Unknown".
func Carrier(number string) string {
	if !IsValid(number) {
		return "Unknown"
	}
	switch number[5] {
	case '2', '3':
		return "Unitel"
	case '4', '5':
		return "Movicel"
	case '6':
		return "Africell"
	}
	return "Unknown"
}
