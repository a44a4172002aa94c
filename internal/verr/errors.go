// Package verr defines the error taxonomy shared by every keel
// subsystem. Specific failures wrap exactly one category sentinel so
// callers can classify an error with errors.Is without knowing which
// subsystem produced it.
package verr

import "errors"

var (
	// ErrResourceExhausted reports that a finite resource (guest
	// address space, queue slots, memory slots) ran out. The failed
	// operation must not have committed partial state.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrProtocolViolation reports malformed or illegal guest- or
	// peer-visible behavior: corrupt descriptor chains, bad queue
	// addresses, unknown control messages.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrCapabilityFailure reports that the host hypervisor rejected
	// or cannot provide an operation the VMM asked for.
	ErrCapabilityFailure = errors.New("hypervisor capability failure")

	// ErrBackendDisconnected reports that an external device backend
	// dropped its control channel.
	ErrBackendDisconnected = errors.New("backend disconnected")

	// ErrMigrationFormatMismatch reports a snapshot or migration
	// stream whose format or component versions this build cannot
	// apply. Detected before any state is touched.
	ErrMigrationFormatMismatch = errors.New("migration format mismatch")

	// ErrMigrationTimeout reports a lifecycle or migration phase that
	// missed its deadline. The source of the operation remains in its
	// pre-operation state.
	ErrMigrationTimeout = errors.New("operation timed out")

	// ErrLifecycle reports an operation requested in a state that
	// does not permit it.
	ErrLifecycle = errors.New("invalid lifecycle transition")
)

// Error carries structured context for an operation failure.
type Error struct {
	Op  string // operation, e.g. "vm.pause", "virtio.activate"
	Dev string // component id when one is involved, else ""
	Err error
}

func (e *Error) Error() string {
	if e.Dev != "" {
		return e.Op + " " + e.Dev + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
