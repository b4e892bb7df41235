package errors

import "strings"

// The refund decision for a failed run hinges on whether the failure was the
// platform's fault or the caller's. Classification is deliberately dumb:
// case-insensitive substring matching over two independent pattern sets.
// Callers get two predicates, not a three-way enum, and decide precedence
// themselves.

// systemFailurePatterns indicate failures attributable to the platform or an
// upstream provider. These qualify for credit compensation.
var systemFailurePatterns = []string{
	"timeout",
	"timed out",
	"connection",
	"unavailable",
	"internal error",
	"internal server error",
	"server error",
	"api error",
	"service error",
	"rate limit",
	"too many requests",
	"bad gateway",
	"gateway timeout",
	"500",
	"502",
	"503",
	"504",
	"429",
}

// userFailurePatterns indicate failures attributable to the caller's input or
// account state. These never qualify for compensation.
var userFailurePatterns = []string{
	"invalid format",
	"unsupported format",
	"unsupported file",
	"unsupported type",
	"too long",
	"too large",
	"exceeds maximum",
	"policy violation",
	"content policy",
	"insufficient credits",
	"quota exceeded",
	"invalid input",
	"malformed",
}

// IsSystemFailure reports whether the message matches any system-failure
// pattern. An empty message matches nothing.
func IsSystemFailure(message string) bool {
	return matchesAny(message, systemFailurePatterns)
}

// IsUserFailure reports whether the message matches any user-failure pattern.
// An empty message matches nothing.
func IsUserFailure(message string) bool {
	return matchesAny(message, userFailurePatterns)
}

func matchesAny(message string, patterns []string) bool {
	if message == "" {
		return false
	}
	lower := strings.ToLower(message)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
