package models

import "strings"

const maskFill = "****"

// MaskSecret hides all but a short prefix and suffix of a credential.
// Short values are masked completely. Cuts fall on rune boundaries.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	r := []rune(s)
	n := len(r)
	if n <= 8 {
		return strings.Repeat("*", n)
	}
	keep := 4
	if n < 16 {
		keep = 2
	}
	return string(r[:keep]) + maskFill + string(r[n-keep:])
}

// LooksMasked reports whether s has the shape MaskSecret produces, so a
// redacted export is not mistaken for a real credential.
func LooksMasked(s string) bool {
	if s == "" {
		return false
	}
	return strings.Contains(s, maskFill) || strings.Trim(s, "*") == ""
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
