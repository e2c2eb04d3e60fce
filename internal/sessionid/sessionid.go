// Package sessionid hands out the process-scoped session identifier the
// worker reports to the manager on registration and in its API
// representation.
package sessionid

import "github.com/google/uuid"

var current = uuid.New().String()

// Get returns the session id for this process. It is generated once at
// process start and never changes.
func Get() string {
	return current
}
