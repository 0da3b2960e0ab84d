package migration

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/0xef53/vmigrate/internal/qemuimg"
	"github.com/0xef53/vmigrate/internal/segcopy"
	"github.com/0xef53/vmigrate/internal/sparse"
	"github.com/0xef53/vmigrate/internal/staging"

	log "github.com/sirupsen/logrus"
)

// AllDisks selects every disk of the VM.
const AllDisks = -1

var pipeline = []Phase{PhaseExporting, PhaseConverting, PhaseImporting, PhaseDissociating}

func phaseIndex(p Phase) int {
	for i, ph := range pipeline {
		if ph == p {
			return i
		}
	}

	return -1
}

// Orchestrator drives the migration of one VM through the phase
// state machine. Every phase transition is persisted, every phase
// checks for pre-existing artifacts first, so an interrupted run
// can be resumed by re-invocation.
//
// Orchestrators of different VMs share no in-memory state and may
// run concurrently; the per-VM staging lock rejects a second
// orchestrator for the same VM.
type Orchestrator struct {
	VMID         string
	VMName       string
	Namespace    string
	StorageClass string

	Disks []DiskRef

	// Index of the only disk to process, or AllDisks
	DiskFilter int

	Exporter  Exporter
	Converter qemuimg.Converter
	Target    TargetClient

	Area  *staging.Area
	Store *StateStore

	Copier *segcopy.Copier

	// Timeout for clone readiness during dissociation
	CloneTimeout time.Duration

	Progress func(diskIndex int, copied, total uint64)

	Logger *log.Entry
}

func (o *Orchestrator) logger() *log.Entry {
	if o.Logger != nil {
		return o.Logger
	}

	return log.WithField("vm", o.VMID)
}

// targetVMName is the name the VM and its volumes get on the
// target platform.
func (o *Orchestrator) targetVMName() string {
	if o.VMName != "" {
		return o.VMName
	}

	return o.VMID
}

func (o *Orchestrator) ref(index int) (DiskRef, bool) {
	for _, r := range o.Disks {
		if r.Index == index {
			return r, true
		}
	}

	return DiskRef{}, false
}

// Run executes the pipeline segment [from, until] and returns the
// resulting state document. Failures of one disk do not stop the
// remaining disks; the first error is returned after the segment
// finishes. A cancellation is honored between phases and between
// disks, leaving the state at the last completed unit.
func (o *Orchestrator) Run(ctx context.Context, from, until Phase) (*MigrationState, error) {
	first, last := phaseIndex(from), phaseIndex(until)

	if first < 0 || last < 0 || first > last {
		return nil, fmt.Errorf("invalid pipeline segment: %s .. %s", from, until)
	}

	lock, err := o.Area.Lock(o.VMID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	st, err := o.begin()
	if err != nil {
		return nil, err
	}

	if from == PhaseExporting && st.Completed() {
		return st, ErrAlreadyMigrated
	}

	var firstErr error

	for _, phase := range pipeline[first : last+1] {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		// A disk failure marks that disk and moves on: sibling
		// disks keep going through the remaining phases
		if err := o.runPhase(ctx, st, phase); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Disks that made it through the last phase of the segment are
	// finished even when a sibling disk failed
	if until == PhaseImporting || until == PhaseDissociating {
		for _, d := range o.selected(st) {
			if d.Phase == until {
				d.Phase = PhaseDone
			}
		}
	}

	// A disk filter leaves the unselected disks behind: the VM is
	// finished only when every disk made it through, otherwise the
	// document keeps the last completed phase.
	switch {
	case firstErr != nil:
		st.Phase = PhaseFailed
		st.LastError = firstErr.Error()
	case st.Completed():
		st.Phase = PhaseDone
	}

	if err := o.Store.Save(st); err != nil && firstErr == nil {
		firstErr = err
	}

	return st, firstErr
}

// begin loads or creates the state document and merges newly
// discovered source disks into it. Disks that failed in a previous
// run are reset for retry.
func (o *Orchestrator) begin() (*MigrationState, error) {
	st, err := o.Store.Load(o.VMID)

	switch {
	case os.IsNotExist(err):
		st = &MigrationState{
			VMID:         o.VMID,
			VMName:       o.VMName,
			Namespace:    o.Namespace,
			StorageClass: o.StorageClass,
			Phase:        PhasePending,
			StartedAt:    time.Now(),
		}
	case err != nil:
		return nil, err
	}

	for _, ref := range o.Disks {
		if st.Disk(ref.Index) == nil {
			st.Disks = append(st.Disks, &DiskArtifact{
				Index:       ref.Index,
				SourceUUID:  ref.UUID,
				VirtualSize: ref.VirtualSize,
				Phase:       PhasePending,
			})
		}
	}

	sort.Slice(st.Disks, func(i, j int) bool { return st.Disks[i].Index < st.Disks[j].Index })

	for _, d := range st.Disks {
		if d.Phase == PhaseFailed {
			d.Phase = PhasePending
			d.LastError = ""
		}
	}

	if st.Phase == PhaseFailed {
		st.Phase = PhasePending
		st.LastError = ""
	}

	return st, o.Store.Save(st)
}

func (o *Orchestrator) selected(st *MigrationState) []*DiskArtifact {
	if o.DiskFilter == AllDisks {
		return st.Disks
	}

	if d := st.Disk(o.DiskFilter); d != nil {
		return []*DiskArtifact{d}
	}

	return nil
}

func (o *Orchestrator) runPhase(ctx context.Context, st *MigrationState, phase Phase) error {
	disks := o.selected(st)

	if len(disks) == 0 {
		return fmt.Errorf("no disks selected (filter: %d)", o.DiskFilter)
	}

	st.Phase = phase

	if err := o.Store.Save(st); err != nil {
		return err
	}

	// The repoint is a single update covering every binding of the
	// VM, so dissociation ignores the disk filter: either all disks
	// become independent or none do.
	if phase == PhaseDissociating {
		return o.dissociateVM(ctx, st, st.Disks)
	}

	var step func(context.Context, *MigrationState, *DiskArtifact) error

	switch phase {
	case PhaseExporting:
		step = o.exportDisk
	case PhaseConverting:
		step = o.convertDisk
	case PhaseImporting:
		step = o.importDisk
	default:
		return fmt.Errorf("phase %s has no handler", phase)
	}

	var firstErr error

	for _, d := range disks {
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.Phase == PhaseFailed || d.Phase == PhaseDone {
			continue
		}

		if err := step(ctx, st, d); err != nil {
			// Sibling disks are processed independently
			d.Phase = PhaseFailed
			d.LastError = err.Error()

			o.logger().Errorf("Disk %d: %s failed: %s", d.Index, phase, err)

			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		d.Phase = phase
		d.LastError = ""
	}

	if err := o.Store.Save(st); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

func (o *Orchestrator) exportDisk(ctx context.Context, st *MigrationState, d *DiskArtifact) error {
	ref, ok := o.ref(d.Index)
	if !ok {
		return fmt.Errorf("disk %d: no source reference", d.Index)
	}

	dst := o.Area.ArtifactPath(st.VMID, d.Index, qemuimg.FormatRaw)

	// An artifact of the expected size left by a previous run is
	// reused instead of being transferred again
	if fi, err := os.Stat(dst); err == nil && uint64(fi.Size()) == d.VirtualSize {
		o.logger().Infof("Disk %d: reusing staged artifact %s", d.Index, dst)

		d.RawPath = dst

		return nil
	}

	var progress func(copied, total uint64)

	if o.Progress != nil {
		idx := d.Index
		progress = func(copied, total uint64) { o.Progress(idx, copied, total) }
	}

	outcomes, err := o.Exporter.Fetch(ctx, ref, dst, progress)
	if err != nil {
		return err
	}

	if n := len(outcomes); n > 0 {
		d.Strategy = outcomes[n-1].Kind.String()
	}

	d.RawPath = dst

	return nil
}

func (o *Orchestrator) convertDisk(ctx context.Context, st *MigrationState, d *DiskArtifact) error {
	dst := o.Area.ArtifactPath(st.VMID, d.Index, qemuimg.FormatQcow2)

	if _, err := os.Stat(dst); err == nil {
		if info, err := o.Converter.Inspect(ctx, dst); err == nil && info.Format == string(qemuimg.FormatQcow2) && info.VirtualSize == d.VirtualSize {
			o.logger().Infof("Disk %d: reusing converted artifact %s", d.Index, dst)

			d.Qcow2Path = dst

			return nil
		}
	}

	raw := d.RawPath
	if raw == "" {
		raw = o.Area.ArtifactPath(st.VMID, d.Index, qemuimg.FormatRaw)
	}

	if _, err := os.Stat(raw); err != nil {
		return fmt.Errorf("disk %d: no staged artifact to convert: %w", d.Index, err)
	}

	o.logger().Infof("Disk %d: converting to compressed qcow2", d.Index)

	if err := o.Converter.Convert(ctx, raw, qemuimg.FormatRaw, dst, qemuimg.FormatQcow2, true); err != nil {
		return err
	}

	d.RawPath = raw
	d.Qcow2Path = dst

	return nil
}

func (o *Orchestrator) importDisk(ctx context.Context, st *MigrationState, d *DiskArtifact) error {
	raw := d.RawPath
	if raw == "" {
		raw = o.Area.ArtifactPath(st.VMID, d.Index, qemuimg.FormatRaw)
	}

	// The raw artifact may have been cleaned up after conversion;
	// restore it from the qcow2 one in that case
	if _, err := os.Stat(raw); err != nil {
		qcow2 := d.Qcow2Path
		if qcow2 == "" {
			qcow2 = o.Area.ArtifactPath(st.VMID, d.Index, qemuimg.FormatQcow2)
		}

		if _, err := os.Stat(qcow2); err != nil {
			return fmt.Errorf("disk %d: no staged artifact to import", d.Index)
		}

		o.logger().Infof("Disk %d: restoring raw artifact from %s", d.Index, qcow2)

		if err := o.Converter.Convert(ctx, qcow2, qemuimg.FormatQcow2, raw, qemuimg.FormatRaw, false); err != nil {
			return err
		}

		d.RawPath = raw
	}

	volume := VolumeName(o.targetVMName(), d.Index)

	if err := o.Target.CreateVolume(ctx, volume, o.StorageClass, d.VirtualSize); err != nil {
		return err
	}

	if err := o.Target.WaitVolumeReady(ctx, volume); err != nil {
		return err
	}

	device, err := o.Target.AttachVolume(ctx, volume)
	if err != nil {
		return err
	}

	plan := o.transferPlan(ctx, raw, d.VirtualSize)

	o.logger().Infof("Disk %d: importing %d data extents (%d of %d bytes) to %s",
		d.Index, len(plan.Extents), plan.DataBytes, plan.VirtualSize, device)

	src, err := os.Open(raw)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer dst.Close()

	copier := o.Copier
	if copier == nil {
		copier = &segcopy.Copier{Logger: o.logger()}
	}

	report, err := copier.Copy(ctx, plan, src, dst, raw+".seglog")
	if err != nil {
		return err
	}

	if err := dst.Sync(); err != nil {
		return err
	}

	d.Volume = volume
	d.BytesCopied = report.BytesCopied

	o.logger().Infof("Disk %d: copied %d bytes in %s (%d extents, %d skipped)",
		d.Index, report.BytesCopied, report.Elapsed, report.ExtentsCopied, report.ExtentsSkipped)

	return nil
}

// transferPlan builds the sparse plan of the staged artifact. An
// unreadable or inconsistent map degrades to a full non-sparse
// copy instead of failing the migration.
func (o *Orchestrator) transferPlan(ctx context.Context, raw string, virtualSize uint64) *sparse.TransferPlan {
	entries, err := o.Converter.Map(ctx, raw)
	if err == nil {
		var extents []sparse.Extent

		if extents, err = sparse.Analyze(entries, virtualSize); err == nil {
			var plan *sparse.TransferPlan

			if plan, err = sparse.NewTransferPlan(extents, virtualSize); err == nil {
				return plan
			}
		}
	}

	o.logger().Warnf("Sparse analysis failed, falling back to a full copy: %s", err)

	return sparse.FullPlan(virtualSize)
}

func (o *Orchestrator) dissociateVM(ctx context.Context, st *MigrationState, disks []*DiskArtifact) error {
	volumes := make([]string, 0, len(disks))

	for _, d := range disks {
		if d.Phase == PhaseFailed {
			return fmt.Errorf("disk %d failed earlier, refusing a partial dissociation", d.Index)
		}

		if d.Volume == "" {
			return fmt.Errorf("disk %d has no imported volume", d.Index)
		}

		volumes = append(volumes, d.Volume)
	}

	dis := Dissociator{
		Target:       o.Target,
		CloneTimeout: o.CloneTimeout,
		Logger:       o.logger(),
	}

	clones, err := dis.Run(ctx, o.targetVMName(), volumes)
	if err != nil {
		return err
	}

	for _, d := range disks {
		if clone, ok := clones[d.Volume]; ok {
			d.Volume = clone
		}

		d.Phase = PhaseDissociating
	}

	return o.Store.Save(st)
}
