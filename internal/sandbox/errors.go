package sandbox

import "errors"

var (
	// ErrNotAcquired is returned when releasing a handle the pool did not lease out.
	ErrNotAcquired = errors.New("sandbox: handle not acquired from this pool")

	// ErrPoolClosed is returned when acquiring from a pool after Cleanup.
	ErrPoolClosed = errors.New("sandbox: pool closed")
)
