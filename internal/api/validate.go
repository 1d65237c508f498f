package api

import (
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxTargetLen is the maximum length for dial and transfer targets.
const maxTargetLen = 256

// maxPasswordLen is the maximum length for the login password.
const maxPasswordLen = 256

// dialTargetRe accepts extensions, phone numbers, feature codes and
// sip/sips/tel URIs with an optional host and port.
var dialTargetRe = regexp.MustCompile(`^(?:(?:sips?|tel):)?[A-Za-z0-9.!~*'()&=+$,;?/%#_-]+(?:@(?:[A-Za-z0-9.-]+|\[[0-9A-Fa-f:.]+\])(?::\d{1,5})?)?$`)

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

// validateTarget checks a dial or transfer target. The host part, when
// present, must look like a hostname or IP.
func validateTarget(field, value string) string {
	value = strings.TrimSpace(value)
	if msg := validateRequiredStringLen(field, value, maxTargetLen); msg != "" {
		return msg
	}
	if containsControlChars(value) || !dialTargetRe.MatchString(value) {
		return field + " is not a valid extension, number or sip uri"
	}
	if i := strings.LastIndex(value, "@"); i >= 0 {
		host := value[i+1:]
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = strings.Trim(host, "[]")
		if strings.Contains(host, ":") && net.ParseIP(host) == nil {
			return field + " has an invalid host"
		}
	}
	return ""
}

// containsControlChars checks whether a string has control characters.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}
