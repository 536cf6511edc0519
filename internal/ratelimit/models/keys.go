package models

import "strings"

const keyPrefix = "ratelimit:client:"

// SanitizeKeySegment escapes the key delimiter so a client identifier cannot
// address another client's window.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// WindowKey is the storage key for a client's window.
func WindowKey(clientID string) string {
	return keyPrefix + SanitizeKeySegment(clientID)
}
