package transfer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/0xef53/vmigrate/internal/fsutil"

	"golang.org/x/sys/unix"
)

const defaultMountTimeout = 30 * time.Second

// DirectMount stages a disk by mounting the source export read-only at a
// well-known local mount point and copying the disk file sparse-aware.
//
// If Source is empty the mount directory is used as-is: the operator is
// expected to have mounted the export there beforehand.
type DirectMount struct {
	// NFS export in "server:/path" notation
	Source string

	// Local mount point
	MountDir string

	// Extra mount options; "ro" is always applied
	Options []string

	Timeout time.Duration
}

// Fetch locates relpath under the mount root and copies it to dst,
// preserving sparseness. Returns the number of bytes actually copied.
func (m *DirectMount) Fetch(ctx context.Context, relpath, dst string, progress func(copied, total uint64)) (uint64, error) {
	if err := m.ensureMounted(ctx); err != nil {
		return 0, err
	}

	srcname := filepath.Join(m.MountDir, relpath)

	switch fi, err := os.Stat(srcname); {
	case err != nil:
		return 0, err
	case fi.IsDir():
		return 0, fmt.Errorf("not a file: %s", srcname)
	}

	return fsutil.CopySparse(srcname, dst, progress)
}

func (m *DirectMount) ensureMounted(ctx context.Context) error {
	if m.MountDir == "" {
		return fmt.Errorf("no mount directory configured")
	}

	if err := os.MkdirAll(m.MountDir, 0755); err != nil {
		return err
	}

	mounted, err := isMountPoint(m.MountDir)
	if err != nil {
		return err
	}

	if mounted || m.Source == "" {
		return nil
	}

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = defaultMountTimeout
	}

	mountCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append([]string{"ro"}, m.Options...)

	cmd := exec.CommandContext(mountCtx, "mount", "-t", "nfs", "-o", strings.Join(opts, ","), m.Source, m.MountDir)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mount %s: %s: %s", m.Source, err, strings.TrimSpace(string(out)))
	}

	return nil
}

// Unmount detaches the export. Safe to call when nothing is mounted.
func (m *DirectMount) Unmount() error {
	mounted, err := isMountPoint(m.MountDir)
	if err != nil || !mounted {
		return err
	}

	if out, err := exec.Command("umount", m.MountDir).CombinedOutput(); err != nil {
		return fmt.Errorf("umount %s: %s: %s", m.MountDir, err, strings.TrimSpace(string(out)))
	}

	return nil
}

// isMountPoint compares the device numbers of a directory and its parent.
func isMountPoint(dir string) (bool, error) {
	var st, pst unix.Stat_t

	if err := unix.Stat(dir, &st); err != nil {
		return false, err
	}

	if err := unix.Stat(filepath.Dir(dir), &pst); err != nil {
		return false, err
	}

	return st.Dev != pst.Dev, nil
}
