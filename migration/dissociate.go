package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/0xef53/vmigrate/pkg/harvester"

	log "github.com/sirupsen/logrus"
)

const defaultCloneSuffix = "-mig"

// Dissociator decouples the volumes of a migrated VM from their
// backing image: each volume is cloned, the VM definition is
// repointed to the clones in one update, and the originals are
// deleted. After that the backing image has no referencing volumes
// left and can be removed by the operator.
type Dissociator struct {
	Target TargetClient

	// Suffix appended to a volume name to form its clone name.
	// Deterministic naming keeps re-runs idempotent.
	CloneSuffix string

	// Bounds the wait for clones to become ready
	CloneTimeout time.Duration

	Logger *log.Entry
}

func (d *Dissociator) cloneName(volume string) string {
	suffix := d.CloneSuffix
	if suffix == "" {
		suffix = defaultCloneSuffix
	}

	return volume + suffix
}

// Run dissociates the given volumes of vmName and returns the
// original-to-clone name mapping. Volumes already repointed by an
// earlier interrupted run are detected and not repointed twice.
func (d *Dissociator) Run(ctx context.Context, vmName string, volumes []string) (map[string]string, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.WithField("vm", vmName)
	}

	if len(volumes) == 0 {
		return nil, &DissociationError{SubPhase: SubPhaseCloning, VM: vmName, Cause: fmt.Errorf("no volumes given")}
	}

	clones := make(map[string]string, len(volumes))

	for _, v := range volumes {
		clones[v] = d.cloneName(v)
	}

	bindings, err := d.Target.VolumeBindings(ctx, vmName)
	if err != nil {
		return nil, &DissociationError{SubPhase: SubPhaseCloning, VM: vmName, Cause: err}
	}

	bound := make(map[string]struct{}, len(bindings))

	for _, b := range bindings {
		bound[b.ClaimName] = struct{}{}
	}

	// Volumes the VM still references by their original name need
	// the full clone + repoint treatment. Volumes already bound to
	// their clone only need the old volume cleaned up.
	renames := make(map[string]string)

	for old, clone := range clones {
		if _, ok := bound[old]; ok {
			renames[old] = clone
			continue
		}

		if _, ok := bound[clone]; ok {
			logger.Infof("Volume %s is already repointed to %s", old, clone)
			continue
		}

		return nil, &DissociationError{
			SubPhase: SubPhaseRepointing,
			VM:       vmName,
			Cause:    fmt.Errorf("VM references neither %s nor its clone", old),
		}
	}

	// No VM mutation has happened yet, so every failure in this
	// loop is safe to retry from scratch.
	for old, clone := range renames {
		logger.Infof("Cloning volume %s -> %s", old, clone)

		if err := d.Target.CloneVolume(ctx, old, clone); err != nil {
			return nil, &DissociationError{SubPhase: SubPhaseCloning, VM: vmName, Cause: err}
		}
	}

	waitCtx := ctx

	if d.CloneTimeout > 0 {
		var cancel context.CancelFunc

		waitCtx, cancel = context.WithTimeout(ctx, d.CloneTimeout)
		defer cancel()
	}

	for _, clone := range renames {
		if err := d.Target.WaitVolumeReady(waitCtx, clone); err != nil {
			return nil, &DissociationError{SubPhase: SubPhaseCloning, VM: vmName, Cause: err}
		}
	}

	// The critical window: all bindings are swapped by a single
	// logical update so the VM never references a mix of old and
	// new volumes.
	if len(renames) > 0 {
		if err := d.Target.RepointVolumes(ctx, vmName, renames); err != nil {
			return nil, &DissociationError{SubPhase: SubPhaseRepointing, VM: vmName, Cause: err}
		}
	}

	// Delete originals only after the VM definition confirms the
	// new bindings.
	if err := d.verifyRepointed(ctx, vmName, clones); err != nil {
		return nil, &DissociationError{SubPhase: SubPhaseRepointing, VM: vmName, Cause: err}
	}

	for old := range renames {
		if err := d.Target.DeleteVolume(ctx, old); err != nil {
			// An orphaned old volume does not endanger the migrated
			// data, so this is reported for manual cleanup only
			logger.Warnf("Failed to delete old volume %s, manual cleanup required: %s", old, err)
		}
	}

	return clones, nil
}

func (d *Dissociator) verifyRepointed(ctx context.Context, vmName string, clones map[string]string) error {
	bindings, err := d.Target.VolumeBindings(ctx, vmName)
	if err != nil {
		return err
	}

	bound := make(map[string]harvester.VolumeBinding, len(bindings))

	for _, b := range bindings {
		bound[b.ClaimName] = b
	}

	for old, clone := range clones {
		b, ok := bound[clone]
		if !ok {
			return fmt.Errorf("VM does not reference clone %s of %s", clone, old)
		}

		if b.DataVolume {
			return fmt.Errorf("clone %s is still bound through a DataVolume", clone)
		}
	}

	return nil
}
