package util

import "strings"

// SafeTruncate returns at most the first maxLen bytes of s. It is used to log
// a recognizable prefix of ids and tokens without the full value.
// A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so that configured base URLs can be
// joined with paths and compared as issuer values.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
