package nutanix

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
)

// VirtualDisk describes a single virtual disk of a VM as reported
// by the v2 virtual_disks API. UUID is also the file name of the
// disk on the container NFS export.
type VirtualDisk struct {
	UUID        string
	Container   string
	NFSPath     string
	SizeBytes   uint64
	DiskAddress string
}

// ExportPath returns the disk file location relative to the root
// of the container NFS export.
func (d *VirtualDisk) ExportPath() string {
	return path.Join(".acropolis", "vmdisk", d.UUID)
}

type virtualDiskEntity struct {
	UUID            string `json:"uuid"`
	AttachedVMName  string `json:"attached_vmname"`
	NFSFilePath     string `json:"nutanix_nfsfile_path"`
	CapacityInBytes uint64 `json:"disk_capacity_in_bytes"`
	DiskAddress     string `json:"disk_address"`
}

// VirtualDisks lists the disks attached to the named VM, ordered
// by their bus address (scsi.0, scsi.1, ...). The v2 API is used
// because v3 VM entities do not expose the vmdisk UUIDs that the
// container NFS export is keyed by.
func (c *Client) VirtualDisks(ctx context.Context, vmName string) ([]VirtualDisk, error) {
	var result struct {
		Entities []virtualDiskEntity `json:"entities"`
	}

	url := c.baseURL() + "/PrismGateway/services/rest/v2.0/virtual_disks/"

	if err := c.do(ctx, "GET", url, nil, &result); err != nil {
		return nil, err
	}

	disks := make([]VirtualDisk, 0, 2)

	for _, e := range result.Entities {
		if e.AttachedVMName != vmName {
			continue
		}

		// nutanix_nfsfile_path looks like "/container01/.acropolis/vmdisk/<uuid>"
		var container string
		if parts := strings.Split(e.NFSFilePath, "/"); len(parts) > 1 {
			container = parts[1]
		}

		disks = append(disks, VirtualDisk{
			UUID:        e.UUID,
			Container:   container,
			NFSPath:     e.NFSFilePath,
			SizeBytes:   e.CapacityInBytes,
			DiskAddress: e.DiskAddress,
		})
	}

	if len(disks) == 0 {
		return nil, fmt.Errorf("no virtual disks found for VM %q", vmName)
	}

	sort.Slice(disks, func(i, j int) bool { return disks[i].DiskAddress < disks[j].DiskAddress })

	return disks, nil
}
