// Package store contains the device-resident key/value store the engine
// persists through, plus the key derivation rules that namespace every
// persisted entity by identity.
package store

import "errors"

// ErrNotFound is returned by Get when the key has never been set or has been
// removed.
var ErrNotFound = errors.New("store: key not found")

// KV is a byte store surviving process restarts. No transactions and no
// multi-key atomicity are assumed: every multi-field entity is serialised as
// one blob under one key.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte) error
	Remove(key string) error
	// ListKeys returns every key starting with prefix, in no particular
	// order. Logout uses this to enumerate and clear session-scoped keys.
	ListKeys(prefix string) ([]string, error)
}
