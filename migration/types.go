// Package migration implements the top-level disk migration pipeline:
// the phase state machine, the persisted per-VM migration state and
// the volume dissociation engine.
package migration

import (
	"time"

	"github.com/0xef53/vmigrate/internal/qemuimg"
)

type Phase string

const (
	PhasePending      Phase = "PENDING"
	PhaseExporting    Phase = "EXPORTING"
	PhaseConverting   Phase = "CONVERTING"
	PhaseImporting    Phase = "IMPORTING"
	PhaseDissociating Phase = "DISSOCIATING"
	PhaseDone         Phase = "DONE"
	PhaseFailed       Phase = "FAILED"
)

func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// DiskRef identifies one source disk. Immutable once the export
// has started.
type DiskRef struct {
	// Source-platform handle of the disk (vmdisk UUID)
	UUID string

	// Storage container the disk lives on
	Container string

	// Path of the disk file relative to the container export root
	ExportPath string

	// Position on the bus, defines the artifact index
	Index int

	VirtualSize uint64
}

// DiskArtifact tracks the migration progress of one disk: its
// staging artifacts and, once imported, the target volume name.
type DiskArtifact struct {
	Index       int    `json:"index"`
	SourceUUID  string `json:"source_uuid"`
	VirtualSize uint64 `json:"virtual_size"`

	Phase Phase `json:"phase"`

	// Staging artifact paths, filled as the disk moves through
	// the pipeline
	RawPath   string `json:"raw_path,omitempty"`
	Qcow2Path string `json:"qcow2_path,omitempty"`

	// Name of the created target volume
	Volume string `json:"volume,omitempty"`

	// Strategy that staged the disk (direct-mount or download)
	Strategy string `json:"strategy,omitempty"`

	BytesCopied uint64 `json:"bytes_copied,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

func (d *DiskArtifact) ArtifactPath(format qemuimg.Format) string {
	if format == qemuimg.FormatQcow2 {
		return d.Qcow2Path
	}

	return d.RawPath
}

// MigrationState is the per-VM migration record. It is mutated only
// by the orchestrator and persisted as a whole document after every
// phase transition.
type MigrationState struct {
	VMID         string `json:"vm_id"`
	VMName       string `json:"vm_name,omitempty"`
	Namespace    string `json:"namespace,omitempty"`
	StorageClass string `json:"storage_class,omitempty"`

	Phase Phase `json:"phase"`

	Disks []*DiskArtifact `json:"disk_artifacts"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LastError string `json:"last_error,omitempty"`
}

// Disk returns the artifact record with the given index, or nil.
func (st *MigrationState) Disk(index int) *DiskArtifact {
	for _, d := range st.Disks {
		if d.Index == index {
			return d
		}
	}

	return nil
}

// Completed reports whether every known disk reached the DONE phase.
// A run restricted to a subset of disks never completes the VM.
func (st *MigrationState) Completed() bool {
	for _, d := range st.Disks {
		if d.Phase != PhaseDone {
			return false
		}
	}

	return len(st.Disks) > 0
}
