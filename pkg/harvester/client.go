// Package harvester implements the target cluster client used to
// land migrated disks: PVC management plus KubeVirt VirtualMachine
// volume rebinding.
package harvester

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// VirtualMachine objects are accessed through the dynamic client:
// the migration only rewires volume references, so a full typed
// KubeVirt client dependency is not worth carrying.
var vmGVR = schema.GroupVersionResource{
	Group:    "kubevirt.io",
	Version:  "v1",
	Resource: "virtualmachines",
}

// Client wraps the typed and dynamic Kubernetes interfaces scoped
// to a single namespace.
type Client struct {
	kube      kubernetes.Interface
	dyn       dynamic.Interface
	namespace string
}

func NewClient(kubeconfig, namespace string) (*Client, error) {
	if namespace == "" {
		namespace = "default"
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("harvester: failed to load kubeconfig: %w", err)
	}

	kube, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}

	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, err
	}

	return &Client{
		kube:      kube,
		dyn:       dyn,
		namespace: namespace,
	}, nil
}

func (c *Client) Namespace() string {
	return c.namespace
}
