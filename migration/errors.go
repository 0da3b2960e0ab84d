package migration

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyMigrated = errors.New("migration is already completed")
	ErrVMPoweredOn     = errors.New("source VM is powered on")
)

// DissociationSubPhase names the step of the dissociation state
// machine a failure happened in. The sub-phase determines whether
// a retry is safe.
type DissociationSubPhase string

const (
	SubPhaseCloning    DissociationSubPhase = "CLONING"
	SubPhaseRepointing DissociationSubPhase = "REPOINTING"
	SubPhaseDeleting   DissociationSubPhase = "OLD_VOLUME_DELETING"
)

type DissociationError struct {
	SubPhase DissociationSubPhase
	VM       string
	Cause    error
}

func (e *DissociationError) Error() string {
	return fmt.Sprintf("dissociation of VM %s failed during %s: %s", e.VM, e.SubPhase, e.Cause)
}

func (e *DissociationError) Unwrap() error { return e.Cause }

func IsDissociationError(err error) bool {
	var e *DissociationError

	return errors.As(err, &e)
}
