package store

import (
	"regexp"
	"strings"
)

const (
	// Prefix namespaces every engine key in the device store.
	Prefix = "fleetsync"

	// QueueKey is the single key holding the offline mutation backlog. It
	// deliberately omits the identity: pending writes survive logout/login
	// cycles, including a login by a different inspector.
	QueueKey = Prefix + ":mutationq"

	// ActiveIdentityKey records which identity owns the persisted session,
	// so a restart can find the session blob again.
	ActiveIdentityKey = Prefix + ":active-identity"
)

var handleRe = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeHandle normalises an identity handle for use inside storage keys.
func SanitizeHandle(handle string) string {
	return handleRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(handle)), "_")
}

// ScopedKey derives the storage key for a resource owned by the given
// identity. Keys for different identities never collide, so switching
// identities can never serve another identity's rows.
func ScopedKey(handle, resource string) string {
	return Prefix + ":" + SanitizeHandle(handle) + ":" + resource
}

// ScopePrefix returns the prefix shared by every key owned by handle. Logout
// enumerates this prefix to clear session-scoped state; QueueKey does not
// live under it.
func ScopePrefix(handle string) string {
	return Prefix + ":" + SanitizeHandle(handle) + ":"
}
