package pricing

import "errors"

var (
	// ErrNotFound means the lookup exhausted the positive cache, the
	// negative cache and the backing store. Fatal for the record being
	// billed; retrying will not help until new price rows are written.
	ErrNotFound = errors.New("pricing: no valid price config")

	// ErrLockTimeout means the per-key lock could not be acquired within
	// its wait window. The price may well exist; callers must treat this
	// as "temporarily unavailable", not as a confirmed absence.
	ErrLockTimeout = errors.New("pricing: cache lock not acquired")
)
