// Package staging manages the on-disk working area of migrations.
//
// Each VM gets its own subdirectory holding the exported disk
// artifacts, their resume logs, the persisted migration state
// document and an advisory lock file:
//
//	<root>/<vm_id>/<vm_id>-disk<index>.raw
//	<root>/<vm_id>/<vm_id>-disk<index>.qcow2
//	<root>/<vm_id>/state.json
//	<root>/<vm_id>/.lock
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/0xef53/vmigrate/internal/flock"
	"github.com/0xef53/vmigrate/internal/qemuimg"
)

// Area is the root staging directory shared by all migrations.
type Area struct {
	root string
}

func New(root string) (*Area, error) {
	if root == "" {
		return nil, fmt.Errorf("staging directory is not configured")
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, err
	}

	return &Area{root: root}, nil
}

func (a *Area) Root() string {
	return a.root
}

// VMDir returns (and creates) the working directory of one VM.
func (a *Area) VMDir(vmID string) (string, error) {
	dir := filepath.Join(a.root, vmID)

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}

	return dir, nil
}

// ArtifactPath returns the staging file name of one exported disk.
func (a *Area) ArtifactPath(vmID string, diskIndex int, format qemuimg.Format) string {
	return filepath.Join(a.root, vmID, fmt.Sprintf("%s-disk%d.%s", vmID, diskIndex, format))
}

// StatePath returns the location of the VM's migration state document.
func (a *Area) StatePath(vmID string) string {
	return filepath.Join(a.root, vmID, "state.json")
}

// VMIDs lists the VMs that have a working directory in the area.
func (a *Area) VMIDs() ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}

	return ids, nil
}

// Lock takes the advisory per-VM lock guarding the working
// directory against a second concurrent migration of the same VM.
func (a *Area) Lock(vmID string) (*flock.FileLocker, error) {
	dir, err := a.VMDir(vmID)
	if err != nil {
		return nil, err
	}

	locker, err := flock.NewLocker(filepath.Join(dir, ".lock"))
	if err != nil {
		return nil, err
	}

	if err := locker.TryAcquire(); err != nil {
		locker.Release()

		return nil, fmt.Errorf("%w: VM %s is being migrated by another process", err, vmID)
	}

	return locker, nil
}
