package harvester

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// VolumeBinding describes how one volume of a VirtualMachine is
// backed: either by a DataVolume or directly by a PVC. ClaimName is
// the name of the backing claim in both cases (Harvester names the
// DataVolume-managed claim after the DataVolume itself).
type VolumeBinding struct {
	VolumeName string
	ClaimName  string
	DataVolume bool
}

// GetVolumeBindings returns the disk volume bindings of the named
// VirtualMachine in template order. Volumes that reference neither
// a DataVolume nor a PVC (cloud-init and the like) are skipped.
func (c *Client) GetVolumeBindings(ctx context.Context, vmName string) ([]VolumeBinding, error) {
	obj, err := c.dyn.Resource(vmGVR).Namespace(c.namespace).Get(ctx, vmName, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}

	return extractVolumeBindings(obj)
}

// RepointVolumes rewrites the volume references of the named
// VirtualMachine according to the renames map (old claim name to
// new claim name). Every rewritten volume ends up as a plain PVC
// reference and its DataVolume template, if any, is dropped. All
// renames are applied by a single update call.
func (c *Client) RepointVolumes(ctx context.Context, vmName string, renames map[string]string) error {
	if len(renames) == 0 {
		return nil
	}

	obj, err := c.dyn.Resource(vmGVR).Namespace(c.namespace).Get(ctx, vmName, metav1.GetOptions{})
	if err != nil {
		return err
	}

	changed, err := repointVolumes(obj, renames)
	if err != nil {
		return err
	}

	if !changed {
		return nil
	}

	_, err = c.dyn.Resource(vmGVR).Namespace(c.namespace).Update(ctx, obj, metav1.UpdateOptions{})

	return err
}

func templateVolumes(obj *unstructured.Unstructured) ([]interface{}, error) {
	volumes, found, err := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "volumes")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: VM template defines no volumes", obj.GetName())
	}

	return volumes, nil
}

func extractVolumeBindings(obj *unstructured.Unstructured) ([]VolumeBinding, error) {
	volumes, err := templateVolumes(obj)
	if err != nil {
		return nil, err
	}

	bindings := make([]VolumeBinding, 0, len(volumes))

	for _, v := range volumes {
		vol, ok := v.(map[string]interface{})
		if !ok {
			continue
		}

		name, _, _ := unstructured.NestedString(vol, "name")

		if claim, found, _ := unstructured.NestedString(vol, "dataVolume", "name"); found {
			bindings = append(bindings, VolumeBinding{VolumeName: name, ClaimName: claim, DataVolume: true})
			continue
		}

		if claim, found, _ := unstructured.NestedString(vol, "persistentVolumeClaim", "claimName"); found {
			bindings = append(bindings, VolumeBinding{VolumeName: name, ClaimName: claim})
		}
	}

	return bindings, nil
}

func repointVolumes(obj *unstructured.Unstructured, renames map[string]string) (bool, error) {
	volumes, err := templateVolumes(obj)
	if err != nil {
		return false, err
	}

	var changed bool

	replaced := make(map[string]struct{})

	for _, v := range volumes {
		vol, ok := v.(map[string]interface{})
		if !ok {
			continue
		}

		var oldClaim string

		if claim, found, _ := unstructured.NestedString(vol, "dataVolume", "name"); found {
			oldClaim = claim
		} else if claim, found, _ := unstructured.NestedString(vol, "persistentVolumeClaim", "claimName"); found {
			oldClaim = claim
		} else {
			continue
		}

		newClaim, ok := renames[oldClaim]
		if !ok {
			continue
		}

		unstructured.RemoveNestedField(vol, "dataVolume")

		if err := unstructured.SetNestedField(vol, newClaim, "persistentVolumeClaim", "claimName"); err != nil {
			return false, err
		}

		replaced[oldClaim] = struct{}{}
		changed = true
	}

	if len(replaced) < len(renames) {
		for oldClaim := range renames {
			if _, ok := replaced[oldClaim]; !ok {
				return false, fmt.Errorf("%s: no volume references claim %s", obj.GetName(), oldClaim)
			}
		}
	}

	if !changed {
		return false, nil
	}

	if err := unstructured.SetNestedSlice(obj.Object, volumes, "spec", "template", "spec", "volumes"); err != nil {
		return false, err
	}

	// Drop DataVolume templates of the replaced claims so KubeVirt
	// does not try to re-provision them.
	if templates, found, _ := unstructured.NestedSlice(obj.Object, "spec", "dataVolumeTemplates"); found {
		kept := make([]interface{}, 0, len(templates))

		for _, t := range templates {
			tpl, ok := t.(map[string]interface{})
			if !ok {
				continue
			}

			name, _, _ := unstructured.NestedString(tpl, "metadata", "name")

			if _, ok := replaced[name]; ok {
				continue
			}

			kept = append(kept, t)
		}

		if err := unstructured.SetNestedSlice(obj.Object, kept, "spec", "dataVolumeTemplates"); err != nil {
			return false, err
		}
	}

	return true, nil
}
