package nutanix

import (
	"context"
	"fmt"
)

type PowerState string

const (
	PowerStateOn  PowerState = "ON"
	PowerStateOff PowerState = "OFF"
)

// VM is a condensed view of a Prism v3 VM entity.
type VM struct {
	UUID       string
	Name       string
	PowerState PowerState
	ClusterRef string
}

type vmEntity struct {
	Metadata struct {
		UUID string `json:"uuid"`
	} `json:"metadata"`
	Spec struct {
		Name      string                 `json:"name"`
		Resources map[string]interface{} `json:"resources"`
	} `json:"spec"`
	Status struct {
		Resources struct {
			PowerState string `json:"power_state"`
		} `json:"resources"`
		ClusterReference struct {
			UUID string `json:"uuid"`
		} `json:"cluster_reference"`
	} `json:"status"`
}

func (e *vmEntity) condense() *VM {
	return &VM{
		UUID:       e.Metadata.UUID,
		Name:       e.Spec.Name,
		PowerState: PowerState(e.Status.Resources.PowerState),
		ClusterRef: e.Status.ClusterReference.UUID,
	}
}

// GetVM fetches a single VM entity by its UUID.
func (c *Client) GetVM(ctx context.Context, uuid string) (*VM, error) {
	var entity vmEntity

	if err := c.v3(ctx, "GET", "vms/"+uuid, nil, &entity); err != nil {
		return nil, err
	}

	return entity.condense(), nil
}

// FindVM looks a VM up by its name. It fails if no VM
// or more than one VM matches.
func (c *Client) FindVM(ctx context.Context, name string) (*VM, error) {
	payload := map[string]interface{}{
		"kind":   "vm",
		"filter": "vm_name==" + name,
		"length": 2,
	}

	var result struct {
		Entities []vmEntity `json:"entities"`
	}

	if err := c.v3(ctx, "POST", "vms/list", payload, &result); err != nil {
		return nil, err
	}

	switch len(result.Entities) {
	case 0:
		return nil, fmt.Errorf("no VM found with name %q", name)
	case 1:
		return result.Entities[0].condense(), nil
	}

	return nil, fmt.Errorf("ambiguous VM name %q: multiple matches", name)
}

// PowerOff requests a power state change via the v3 update flow:
// fetch the current spec, flip spec.resources.power_state, and put
// it back together with the entity version from metadata.
func (c *Client) PowerOff(ctx context.Context, uuid string) error {
	var entity struct {
		Metadata map[string]interface{} `json:"metadata"`
		Spec     map[string]interface{} `json:"spec"`
	}

	if err := c.v3(ctx, "GET", "vms/"+uuid, nil, &entity); err != nil {
		return err
	}

	resources, ok := entity.Spec["resources"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("malformed VM spec for %s", uuid)
	}

	if resources["power_state"] == string(PowerStateOff) {
		return nil
	}

	resources["power_state"] = string(PowerStateOff)

	delete(entity.Metadata, "status")

	payload := map[string]interface{}{
		"metadata": entity.Metadata,
		"spec":     entity.Spec,
	}

	return c.v3(ctx, "PUT", "vms/"+uuid, payload, nil)
}
