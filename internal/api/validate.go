package api

import (
	"net"
	"strings"
	"unicode/utf8"
)

// maxNameLen is the maximum length for name fields (trunk names, display names).
const maxNameLen = 200

// maxPasswordLen is the maximum length for passwords and secrets.
const maxPasswordLen = 256

// maxHostLen is the maximum length for hostnames/IP addresses.
const maxHostLen = 253

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed
// maxLen characters.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateHost checks that a string looks like a valid hostname or IP.
func validateHost(field, value string) string {
	if value == "" {
		return ""
	}
	if len(value) > maxHostLen {
		return field + " exceeds maximum length"
	}
	// Accept IP addresses.
	if net.ParseIP(value) != nil {
		return ""
	}
	// Basic hostname validation: no spaces, reasonable characters.
	if strings.ContainsAny(value, " \t\n\r") {
		return field + " contains invalid characters"
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
