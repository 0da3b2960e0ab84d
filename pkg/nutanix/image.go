package nutanix

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Image is a condensed view of a Prism v3 image entity.
type Image struct {
	UUID      string
	Name      string
	State     string
	SizeBytes uint64
}

type imageEntity struct {
	Metadata struct {
		UUID string `json:"uuid"`
	} `json:"metadata"`
	Spec struct {
		Name string `json:"name"`
	} `json:"spec"`
	Status struct {
		State     string `json:"state"`
		Resources struct {
			SizeBytes uint64 `json:"size_bytes"`
		} `json:"resources"`
	} `json:"status"`
}

func (e *imageEntity) condense() *Image {
	return &Image{
		UUID:      e.Metadata.UUID,
		Name:      e.Spec.Name,
		State:     strings.ToUpper(e.Status.State),
		SizeBytes: e.Status.Resources.SizeBytes,
	}
}

// Ready reports whether the image content is fully materialized
// and available for download. A non-zero size is the authoritative
// signal; some AOS versions leave the state field empty while the
// size is already known.
func (img *Image) Ready() bool {
	if img.SizeBytes > 0 {
		return true
	}

	switch img.State {
	case "COMPLETE", "SUCCEEDED", "AVAILABLE", "ACTIVE":
		return true
	}

	return false
}

func (img *Image) Failed() bool {
	switch img.State {
	case "ERROR", "FAILED", "FAILURE":
		return true
	}

	return false
}

// CreateDiskImage clones the given vmdisk into a new DISK_IMAGE
// entity and returns its UUID. The image content is materialized
// asynchronously; use WaitImageReady before downloading.
func (c *Client) CreateDiskImage(ctx context.Context, name, vmdiskUUID string) (string, error) {
	payload := map[string]interface{}{
		"spec": map[string]interface{}{
			"name":        name,
			"description": "disk export for migration",
			"resources": map[string]interface{}{
				"image_type": "DISK_IMAGE",
				"data_source_reference": map[string]interface{}{
					"kind": "vm_disk",
					"uuid": vmdiskUUID,
				},
			},
		},
		"metadata": map[string]interface{}{
			"kind": "image",
		},
	}

	var entity imageEntity

	if err := c.v3(ctx, "POST", "images", payload, &entity); err != nil {
		return "", err
	}

	if entity.Metadata.UUID == "" {
		return "", fmt.Errorf("image create response contains no UUID")
	}

	return entity.Metadata.UUID, nil
}

func (c *Client) GetImage(ctx context.Context, uuid string) (*Image, error) {
	var entity imageEntity

	if err := c.v3(ctx, "GET", "images/"+uuid, nil, &entity); err != nil {
		return nil, err
	}

	return entity.condense(), nil
}

// WaitImageReady polls the image until its content is materialized.
// Transient fetch errors are retried on the next tick.
func (c *Client) WaitImageReady(ctx context.Context, uuid string, interval time.Duration) (*Image, error) {
	if interval == 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		img, err := c.GetImage(ctx, uuid)

		switch {
		case err != nil:
			// keep polling
		case img.Failed():
			return nil, fmt.Errorf("image %s entered state %s", uuid, img.State)
		case img.Ready():
			return img, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) DeleteImage(ctx context.Context, uuid string) error {
	return c.v3(ctx, "DELETE", "images/"+uuid, nil, nil)
}

// ImageFileURL returns the download endpoint of the image content.
func (c *Client) ImageFileURL(uuid string) string {
	return c.baseURL() + "/api/nutanix/v3/images/" + uuid + "/file"
}
