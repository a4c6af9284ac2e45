package redis

import "errors"

// ErrKeyNotFound marks reads of absent keys so callers can degrade to
// null/empty instead of failing the operation.
var ErrKeyNotFound = errors.New("key not found")

// IsNotFound reports whether err is a missing-key read
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
