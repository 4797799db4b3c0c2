package scheduler

import (
	"github.com/fleetware/scriptfleet/pkg/models"
	"github.com/fleetware/scriptfleet/pkg/storage"
	"github.com/pkg/errors"
)

// DeviceDirectory is the read-only device/group registry the resolver
// consults. The Postgres store implements it; tests use the mock store.
type DeviceDirectory interface {
	ListActiveDevices() ([]models.Device, error)
	ListGroupMembers(groupID int64) ([]string, error)
	DeviceExists(id string) (bool, error)
}

// TargetResolver maps a task's target specification to concrete device IDs.
// Resolution is never cached: each dispatch re-resolves, so group-targeted
// tasks follow current membership rather than membership at creation time.
type TargetResolver struct {
	directory DeviceDirectory
}

func NewTargetResolver(directory DeviceDirectory) *TargetResolver {
	return &TargetResolver{directory: directory}
}

// Resolve returns a deduplicated, order-stable device ID list for the task.
// An empty result is an explicit empty slice, not an error; the dispatcher
// decides what an empty target set means.
func (r *TargetResolver) Resolve(task models.Task) ([]string, error) {
	switch task.TargetType {
	case models.AllTargets:
		devices, err := r.directory.ListActiveDevices()
		if err != nil {
			return nil, errors.Wrap(err, "list active devices")
		}
		ids := make([]string, 0, len(devices))
		for _, d := range devices {
			ids = append(ids, d.ID)
		}
		return dedupe(ids), nil

	case models.GroupTargets:
		if task.TargetGroupID == nil {
			return nil, errors.Wrapf(ErrGroupNotFound, "task %d has no group reference", task.ID)
		}
		members, err := r.directory.ListGroupMembers(*task.TargetGroupID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, errors.Wrapf(ErrGroupNotFound, "group %d", *task.TargetGroupID)
			}
			return nil, errors.Wrapf(err, "list members of group %d", *task.TargetGroupID)
		}
		return dedupe(members), nil

	case models.SpecificTargets:
		ids := make([]string, 0, len(task.TargetDevices))
		for _, id := range dedupe(task.TargetDevices) {
			exists, err := r.directory.DeviceExists(id)
			if err != nil {
				return nil, errors.Wrapf(err, "check device %s", id)
			}
			// Deprovisioned devices are dropped, not an error: the task may
			// predate their removal.
			if exists {
				ids = append(ids, id)
			}
		}
		return ids, nil

	default:
		return nil, errors.Errorf("unknown target type %q", task.TargetType)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
