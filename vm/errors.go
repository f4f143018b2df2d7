package vm

import "errors"

// Sentinel errors surfaced by the vm package, matching the teacher's
// convention of one Err* value per failure kind rather than ad hoc
// string matching.
var (
	ErrAPIVersion           = errors.New("unexpected kvm api version")
	ErrCapabilityMissing    = errors.New("required kvm capability not supported")
	ErrKernelNotLoaded      = errors.New("kernel not loaded")
	ErrUnsupportedMigration = errors.New("migration not configured for this isle")
)
