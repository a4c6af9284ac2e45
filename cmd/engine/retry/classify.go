package retry

import (
	"strings"

	"github.com/officeflow/engine/cmd/engine/state"
)

// Transient failure signatures, matched case-insensitively against the
// error message
var retryableMessages = []string{
	"econnreset",
	"etimedout",
	"enotfound",
	"econnrefused",
	"socket hang up",
	"network timeout",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
}

var retryableStatusCodes = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var retryableErrorCodes = map[string]bool{
	"EXTERNAL_SERVICE_ERROR": true,
	"DATABASE_ERROR":         true,
	"REDIS_ERROR":            true,
	"KAFKA_ERROR":            true,
	"RATE_LIMIT_EXCEEDED":    true,
}

// IsRetryable classifies an error as transient. Any one signal is enough:
// a known message fragment, a retryable HTTP status, or a retryable code.
func IsRetryable(err *state.ErrorDetails) bool {
	if err == nil {
		return false
	}
	if retryableErrorCodes[err.Code] {
		return true
	}
	if retryableStatusCodes[err.StatusCode] {
		return true
	}
	msg := strings.ToLower(err.Message)
	for _, fragment := range retryableMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
