package harvester

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const GiB = 1 << 30

// RoundUpToGiB returns the smallest whole number of GiB that can
// hold the given byte count. Storage provisioners reject quantities
// with sub-GiB granularity often enough that rounding up front is
// the safer default.
func RoundUpToGiB(bytes uint64) int64 {
	if bytes == 0 {
		return 1
	}

	return int64((bytes + GiB - 1) / GiB)
}

// CreateBlockPVC provisions an empty block-mode volume large enough
// to hold virtualSize bytes. Returns the existing claim unchanged
// if one with the same name is already there.
func (c *Client) CreateBlockPVC(ctx context.Context, name, storageClass string, virtualSize uint64) (*corev1.PersistentVolumeClaim, error) {
	blockMode := corev1.PersistentVolumeBlock

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: c.namespace,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany},
			VolumeMode:  &blockMode,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(RoundUpToGiB(virtualSize)*GiB, resource.BinarySI),
				},
			},
		},
	}

	if storageClass != "" {
		pvc.Spec.StorageClassName = &storageClass
	}

	created, err := c.kube.CoreV1().PersistentVolumeClaims(c.namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		return c.kube.CoreV1().PersistentVolumeClaims(c.namespace).Get(ctx, name, metav1.GetOptions{})
	}

	return created, err
}

// ClonePVC creates a CSI clone of an existing claim. The clone
// inherits size, access modes, volume mode and, unless overridden,
// the storage class of the source.
func (c *Client) ClonePVC(ctx context.Context, source, clone, storageClass string) (*corev1.PersistentVolumeClaim, error) {
	src, err := c.kube.CoreV1().PersistentVolumeClaims(c.namespace).Get(ctx, source, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect source claim %s: %w", source, err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      clone,
			Namespace: c.namespace,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: src.Spec.AccessModes,
			VolumeMode:  src.Spec.VolumeMode,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: src.Spec.Resources.Requests[corev1.ResourceStorage],
				},
			},
			DataSource: &corev1.TypedLocalObjectReference{
				Kind: "PersistentVolumeClaim",
				Name: source,
			},
		},
	}

	switch {
	case storageClass != "":
		pvc.Spec.StorageClassName = &storageClass
	case src.Spec.StorageClassName != nil:
		pvc.Spec.StorageClassName = src.Spec.StorageClassName
	}

	created, err := c.kube.CoreV1().PersistentVolumeClaims(c.namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		return c.kube.CoreV1().PersistentVolumeClaims(c.namespace).Get(ctx, clone, metav1.GetOptions{})
	}

	return created, err
}

func (c *Client) GetPVC(ctx context.Context, name string) (*corev1.PersistentVolumeClaim, error) {
	return c.kube.CoreV1().PersistentVolumeClaims(c.namespace).Get(ctx, name, metav1.GetOptions{})
}

func (c *Client) DeletePVC(ctx context.Context, name string) error {
	err := c.kube.CoreV1().PersistentVolumeClaims(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if k8serrors.IsNotFound(err) {
		return nil
	}

	return err
}

// VolumeDevicePath resolves the local block device of a bound
// claim. Longhorn exposes every attached volume on the node as
// /dev/longhorn/<volume-handle>.
func (c *Client) VolumeDevicePath(ctx context.Context, name string) (string, error) {
	pvc, err := c.GetPVC(ctx, name)
	if err != nil {
		return "", err
	}

	if pvc.Spec.VolumeName == "" {
		return "", fmt.Errorf("claim %s is not bound yet", name)
	}

	pv, err := c.kube.CoreV1().PersistentVolumes().Get(ctx, pvc.Spec.VolumeName, metav1.GetOptions{})
	if err != nil {
		return "", err
	}

	if pv.Spec.CSI == nil || pv.Spec.CSI.VolumeHandle == "" {
		return "", fmt.Errorf("volume %s is not CSI-provisioned", pvc.Spec.VolumeName)
	}

	return "/dev/longhorn/" + pv.Spec.CSI.VolumeHandle, nil
}

// WaitPVCBound polls the claim until a volume is bound to it.
func (c *Client) WaitPVCBound(ctx context.Context, name string, interval time.Duration) error {
	if interval == 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pvc, err := c.GetPVC(ctx, name)
		if err != nil {
			return err
		}

		switch pvc.Status.Phase {
		case corev1.ClaimBound:
			return nil
		case corev1.ClaimLost:
			return fmt.Errorf("claim %s lost its volume", name)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
