package harvester

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/kubernetes/fake"
)

func TestRoundUpToGiB(t *testing.T) {
	tests := map[uint64]int64{
		0:             1,
		1:             1,
		GiB:           1,
		GiB + 1:       2,
		10 * GiB:      10,
		21474836481:   21, // 20 GiB + 1 byte
		100*GiB - 512: 100,
	}

	for bytes, want := range tests {
		if got := RoundUpToGiB(bytes); got != want {
			t.Fatalf("[%d]: unexpected result: %d (expected %d)", bytes, got, want)
		}
	}
}

func TestCreateBlockPVC(t *testing.T) {
	c := &Client{kube: fake.NewSimpleClientset(), namespace: "default"}

	pvc, err := c.CreateBlockPVC(context.Background(), "vm1-disk0", "longhorn", 10*GiB+1)
	if err != nil {
		t.Fatalf("[1]: unexpected error: %s", err)
	}

	if pvc.Spec.VolumeMode == nil || *pvc.Spec.VolumeMode != corev1.PersistentVolumeBlock {
		t.Fatalf("[1]: volume mode is not Block")
	}

	if pvc.Spec.StorageClassName == nil || *pvc.Spec.StorageClassName != "longhorn" {
		t.Fatalf("[1]: unexpected storage class")
	}

	want := resource.NewQuantity(11*GiB, resource.BinarySI)
	if got := pvc.Spec.Resources.Requests[corev1.ResourceStorage]; got.Cmp(*want) != 0 {
		t.Fatalf("[1]: unexpected size: %s (expected %s)", got.String(), want.String())
	}

	// Repeated create returns the existing claim
	if _, err := c.CreateBlockPVC(context.Background(), "vm1-disk0", "longhorn", 10*GiB+1); err != nil {
		t.Fatalf("[2]: unexpected error: %s", err)
	}
}

func TestClonePVC(t *testing.T) {
	c := &Client{kube: fake.NewSimpleClientset(), namespace: "default"}

	if _, err := c.CreateBlockPVC(context.Background(), "vm1-disk0", "longhorn", 20*GiB); err != nil {
		t.Fatal(err)
	}

	clone, err := c.ClonePVC(context.Background(), "vm1-disk0", "vm1-disk0-clone", "")
	if err != nil {
		t.Fatalf("[1]: unexpected error: %s", err)
	}

	if clone.Spec.DataSource == nil || clone.Spec.DataSource.Name != "vm1-disk0" {
		t.Fatalf("[1]: clone has no data source reference")
	}

	if clone.Spec.StorageClassName == nil || *clone.Spec.StorageClassName != "longhorn" {
		t.Fatalf("[1]: clone did not inherit the storage class")
	}

	want := resource.NewQuantity(20*GiB, resource.BinarySI)
	if got := clone.Spec.Resources.Requests[corev1.ResourceStorage]; got.Cmp(*want) != 0 {
		t.Fatalf("[1]: clone did not inherit the size: %s", got.String())
	}

	if _, err := c.ClonePVC(context.Background(), "nonexistent", "x", ""); err == nil {
		t.Fatalf("[2]: expected an error for missing source")
	}
}

func testVM() *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "kubevirt.io/v1",
		"kind":       "VirtualMachine",
		"metadata": map[string]interface{}{
			"name":      "vm1",
			"namespace": "default",
		},
		"spec": map[string]interface{}{
			"dataVolumeTemplates": []interface{}{
				map[string]interface{}{
					"metadata": map[string]interface{}{"name": "vm1-disk0"},
				},
			},
			"template": map[string]interface{}{
				"spec": map[string]interface{}{
					"volumes": []interface{}{
						map[string]interface{}{
							"name":       "disk-0",
							"dataVolume": map[string]interface{}{"name": "vm1-disk0"},
						},
						map[string]interface{}{
							"name":                  "disk-1",
							"persistentVolumeClaim": map[string]interface{}{"claimName": "vm1-disk1"},
						},
						map[string]interface{}{
							"name":      "cloudinitdisk",
							"cloudInit": map[string]interface{}{"userData": "#cloud-config"},
						},
					},
				},
			},
		},
	}}
}

func TestExtractVolumeBindings(t *testing.T) {
	bindings, err := extractVolumeBindings(testVM())
	if err != nil {
		t.Fatalf("[1]: unexpected error: %s", err)
	}

	if len(bindings) != 2 {
		t.Fatalf("[1]: unexpected binding count: %d", len(bindings))
	}

	if bindings[0].ClaimName != "vm1-disk0" || !bindings[0].DataVolume {
		t.Fatalf("[2]: unexpected first binding: %+v", bindings[0])
	}

	if bindings[1].ClaimName != "vm1-disk1" || bindings[1].DataVolume {
		t.Fatalf("[3]: unexpected second binding: %+v", bindings[1])
	}
}

func TestRepointVolumes(t *testing.T) {
	vm := testVM()

	renames := map[string]string{
		"vm1-disk0": "vm1-disk0-clone",
		"vm1-disk1": "vm1-disk1-clone",
	}

	changed, err := repointVolumes(vm, renames)
	if err != nil {
		t.Fatalf("[1]: unexpected error: %s", err)
	}
	if !changed {
		t.Fatalf("[1]: expected the object to change")
	}

	bindings, err := extractVolumeBindings(vm)
	if err != nil {
		t.Fatal(err)
	}

	for i, want := range []string{"vm1-disk0-clone", "vm1-disk1-clone"} {
		if bindings[i].ClaimName != want {
			t.Fatalf("[2]: binding %d points to %s (expected %s)", i, bindings[i].ClaimName, want)
		}
		if bindings[i].DataVolume {
			t.Fatalf("[2]: binding %d is still a DataVolume reference", i)
		}
	}

	templates, found, _ := unstructured.NestedSlice(vm.Object, "spec", "dataVolumeTemplates")
	if found && len(templates) != 0 {
		t.Fatalf("[3]: DataVolume template was not dropped: %v", templates)
	}
}

func TestRepointVolumesUnknownClaim(t *testing.T) {
	if _, err := repointVolumes(testVM(), map[string]string{"no-such-claim": "x"}); err == nil {
		t.Fatalf("[1]: expected an error for unknown claim")
	}
}
