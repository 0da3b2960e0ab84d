package migration

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/0xef53/vmigrate/internal/transfer"
	"github.com/0xef53/vmigrate/pkg/harvester"
	"github.com/0xef53/vmigrate/pkg/nutanix"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TargetClient is the narrow contract of the target platform the
// pipeline drives: volume lifecycle plus VM binding updates.
type TargetClient interface {
	CreateVolume(ctx context.Context, name, storageClass string, virtualSize uint64) error
	AttachVolume(ctx context.Context, name string) (string, error)
	CloneVolume(ctx context.Context, source, clone string) error
	WaitVolumeReady(ctx context.Context, name string) error
	DeleteVolume(ctx context.Context, name string) error
	VolumeBindings(ctx context.Context, vmName string) ([]harvester.VolumeBinding, error)
	RepointVolumes(ctx context.Context, vmName string, renames map[string]string) error
}

// Exporter stages one source disk into a local file.
type Exporter interface {
	Fetch(ctx context.Context, disk DiskRef, dst string, progress func(copied, total uint64)) ([]transfer.StrategyOutcome, error)
}

// HarvesterTarget adapts the Harvester client to the TargetClient
// contract.
type HarvesterTarget struct {
	Client *harvester.Client
}

func (t *HarvesterTarget) CreateVolume(ctx context.Context, name, storageClass string, virtualSize uint64) error {
	_, err := t.Client.CreateBlockPVC(ctx, name, storageClass, virtualSize)

	return err
}

func (t *HarvesterTarget) AttachVolume(ctx context.Context, name string) (string, error) {
	return t.Client.VolumeDevicePath(ctx, name)
}

func (t *HarvesterTarget) CloneVolume(ctx context.Context, source, clone string) error {
	_, err := t.Client.ClonePVC(ctx, source, clone, "")

	return err
}

func (t *HarvesterTarget) WaitVolumeReady(ctx context.Context, name string) error {
	return t.Client.WaitPVCBound(ctx, name, 0)
}

func (t *HarvesterTarget) DeleteVolume(ctx context.Context, name string) error {
	return t.Client.DeletePVC(ctx, name)
}

func (t *HarvesterTarget) VolumeBindings(ctx context.Context, vmName string) ([]harvester.VolumeBinding, error) {
	return t.Client.GetVolumeBindings(ctx, vmName)
}

func (t *HarvesterTarget) RepointVolumes(ctx context.Context, vmName string, renames map[string]string) error {
	return t.Client.RepointVolumes(ctx, vmName, renames)
}

// SelectorExporter implements Exporter on top of the transfer
// strategy selector. OpenStream provides the byte-range-readable
// handle for the download fallback.
type SelectorExporter struct {
	Selector   *transfer.Selector
	OpenStream func(ctx context.Context, disk DiskRef) (io.ReaderAt, uint64, func(), error)
}

func (e *SelectorExporter) Fetch(ctx context.Context, disk DiskRef, dst string, progress func(copied, total uint64)) ([]transfer.StrategyOutcome, error) {
	req := transfer.Request{
		MountPath: disk.ExportPath,
		Dst:       dst,
		Progress:  progress,
	}

	if e.OpenStream != nil {
		req.Open = func(ctx context.Context) (io.ReaderAt, uint64, func(), error) {
			return e.OpenStream(ctx, disk)
		}
	}

	return e.Selector.Fetch(ctx, &req)
}

// PrismStreamOpener returns an OpenStream function that exports a
// vdisk through the Prism image API: the disk is cloned into a
// temporary DISK_IMAGE entity, polled until materialized, and read
// back via ranged requests. The release function deletes the
// temporary image.
func PrismStreamOpener(client *nutanix.Client, vmName string, logger *log.Entry) func(ctx context.Context, disk DiskRef) (io.ReaderAt, uint64, func(), error) {
	if logger == nil {
		logger = log.WithField("vm", vmName)
	}

	return func(ctx context.Context, disk DiskRef) (io.ReaderAt, uint64, func(), error) {
		name := fmt.Sprintf("export-%s-disk%d-%.8s", vmName, disk.Index, uuid.New().String())

		imageUUID, err := client.CreateDiskImage(ctx, name, disk.UUID)
		if err != nil {
			return nil, 0, nil, err
		}

		release := func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			if err := client.DeleteImage(ctx, imageUUID); err != nil {
				logger.Warnf("Failed to delete export image %s (%s), manual cleanup required: %s", name, imageUUID, err)
			}
		}

		logger.Infof("Waiting for export image %s to materialize", name)

		if _, err := client.WaitImageReady(ctx, imageUUID, 0); err != nil {
			release()
			return nil, 0, nil, err
		}

		r, err := client.NewImageReader(ctx, imageUUID)
		if err != nil {
			release()
			return nil, 0, nil, err
		}

		return r, r.Size(), release, nil
	}
}

// VolumeName derives the deterministic target volume name of one
// disk. The source VM name may contain characters that are illegal
// in Kubernetes object names.
func VolumeName(vmName string, diskIndex int) string {
	name := strings.ToLower(strings.ReplaceAll(vmName, "_", "-"))

	return fmt.Sprintf("%s-disk%d", name, diskIndex)
}
