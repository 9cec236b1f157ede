package state

import "errors"

// ErrStoreUnavailable is returned when an underlying filesystem operation fails. Callers must
// treat this as non-fatal for reads (the caller degrades to an empty value) and fatal only
// for the initial process-lock acquisition.
var ErrStoreUnavailable = errors.New("state store unavailable")

// ErrLockHeld is returned by AcquireProcessLock when process.lock is recorded on another host,
// or by a live same-host owner within processLockGrace.
var ErrLockHeld = errors.New("process lock held by another instance")
