package model

import "errors"

var (
	// ErrNotFound means the entity is absent from the store or backend.
	ErrNotFound = errors.New("not found")
	// ErrProviderUnavailable means an upstream status or enrichment source failed or timed out.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrConflictIgnored means an update was dropped because a newer timestamp is already held.
	ErrConflictIgnored = errors.New("update ignored: newer data held")
	// ErrStoreWrite means a durable write did not commit.
	ErrStoreWrite = errors.New("store write failed")
	// ErrSyncConflict means the order was already synced elsewhere. Callers treat it as success.
	ErrSyncConflict = errors.New("order already synced")
)
