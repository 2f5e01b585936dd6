package store

import "errors"

// ErrNotFound marks a content hash with no stored object. The resolver
// distinguishes this from transient unavailability: missing objects are
// never retried.
var ErrNotFound = errors.New("store: not found")
