package rules

// deviceEventRouter maps device ids to the leaf conditions interested
// in them. Unrelated device ids resolve to nothing at O(1) cost, so an
// event for a device no tree watches never walks a tree.
//
// Not safe for concurrent use; the engine serializes access.
type deviceEventRouter struct {
	byDevice map[string]map[string]Condition // device id -> leaf id -> leaf
}

func newDeviceEventRouter() *deviceEventRouter {
	return &deviceEventRouter{byDevice: make(map[string]map[string]Condition)}
}

// add subscribes a leaf to every device id it references.
func (r *deviceEventRouter) add(leaf Condition) {
	for _, deviceID := range leaf.deviceIDs() {
		leaves := r.byDevice[deviceID]
		if leaves == nil {
			leaves = make(map[string]Condition)
			r.byDevice[deviceID] = leaves
		}
		leaves[leaf.ID()] = leaf
	}
}

// remove drops a leaf's subscriptions.
func (r *deviceEventRouter) remove(leaf Condition) {
	for _, deviceID := range leaf.deviceIDs() {
		leaves := r.byDevice[deviceID]
		delete(leaves, leaf.ID())
		if len(leaves) == 0 {
			delete(r.byDevice, deviceID)
		}
	}
}

// lookup returns the leaves subscribed to a device id.
func (r *deviceEventRouter) lookup(deviceID string) []Condition {
	leaves := r.byDevice[deviceID]
	if len(leaves) == 0 {
		return nil
	}
	out := make([]Condition, 0, len(leaves))
	for _, leaf := range leaves {
		out = append(out, leaf)
	}
	return out
}

// interested reports how many devices have at least one subscriber.
func (r *deviceEventRouter) interested() int {
	return len(r.byDevice)
}
