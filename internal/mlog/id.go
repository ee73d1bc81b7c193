package mlog

import "strings"

// FormatID formats an ID for logging.
//
// If the ID appears to be a UUID, only the first 8 characters are shown.
// Otherwise, the ID is displayed in-full.
func FormatID(id string) string {
	if len(id) == 36 && id[8] == '-' {
		return id[:8]
	}

	return id
}

// FormatKey formats an idempotency key for logging.
//
// A UUID process ID within the key is shortened using FormatID().
func FormatKey(key string) string {
	if i := strings.IndexByte(key, ':'); i != -1 {
		return FormatID(key[:i]) + key[i:]
	}

	return FormatID(key)
}
