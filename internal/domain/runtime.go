package domain

import "time"

// OwnerLabel is the resource label that carries an explicit ownership
// override (a username or numeric uid).
const OwnerLabel = "qman.user"

// AuditRecord is one security-audit observation of the runtime control
// surface being touched (socket access or client-binary execution).
// Records are ephemeral; the audit subsystem is the system of record.
type AuditRecord struct {
	UID       int
	PID       int
	Timestamp time.Time
}

// EventAction is the closed set of runtime lifecycle actions the
// attribution sync reacts to. Anything else is ignored explicitly.
type EventAction string

const (
	ActionCreate EventAction = "create"
	ActionPull   EventAction = "pull"
	ActionBuild  EventAction = "build"
	ActionCommit EventAction = "commit"
	ActionImport EventAction = "import"
	ActionLoad   EventAction = "load"
	ActionTag    EventAction = "tag"
)

// KnownAction reports whether a raw runtime action string is one the
// sync handles.
func KnownAction(raw string) (EventAction, bool) {
	switch a := EventAction(raw); a {
	case ActionCreate, ActionPull, ActionBuild, ActionCommit, ActionImport, ActionLoad, ActionTag:
		return a, true
	}
	return "", false
}

// RuntimeEvent is one lifecycle event from the runtime's event stream,
// consumed once per sync cycle.
type RuntimeEvent struct {
	Kind          ResourceKind
	ID            string
	Action        EventAction
	TimestampNano int64
}

// Time returns the event timestamp as a time.Time.
func (e RuntimeEvent) Time() time.Time {
	return time.Unix(0, e.TimestampNano)
}

// Container is one entry of the live container inventory.
type Container struct {
	ID        string
	ImageID   string
	SizeBytes int64 // writable layer only
	CreatedAt time.Time
	Labels    map[string]string
	Volumes   []string // names of mounted named volumes
}

// Layer is one image layer with its incremental on-disk size.
type Layer struct {
	ID        string
	SizeBytes int64
}

// Image is one entry of the live image inventory, with its ordered
// layers (oldest first).
type Image struct {
	ID        string
	SizeBytes int64
	CreatedAt time.Time
	Layers    []Layer
}

// Volume is one entry of the live volume inventory.
type Volume struct {
	Name      string
	SizeBytes int64
	Labels    map[string]string
}

// Inventory is a point-in-time view of all disk-consuming runtime
// resources, as reported by the runtime API.
type Inventory struct {
	DataRoot   string
	Containers []Container
	Images     []Image
	Volumes    []Volume
}

// LayerUnion returns the set of layer IDs present in any image, used to
// reconcile layer attributions against what actually exists on disk.
func (inv Inventory) LayerUnion() map[string]struct{} {
	out := make(map[string]struct{})
	for _, img := range inv.Images {
		for _, l := range img.Layers {
			out[l.ID] = struct{}{}
		}
	}
	return out
}

// ContainerIDs returns the set of live container IDs.
func (inv Inventory) ContainerIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(inv.Containers))
	for _, c := range inv.Containers {
		out[c.ID] = struct{}{}
	}
	return out
}

// ImageIDs returns the set of live image IDs.
func (inv Inventory) ImageIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(inv.Images))
	for _, img := range inv.Images {
		out[img.ID] = struct{}{}
	}
	return out
}

// VolumeNames returns the set of live volume names.
func (inv Inventory) VolumeNames() map[string]struct{} {
	out := make(map[string]struct{}, len(inv.Volumes))
	for _, v := range inv.Volumes {
		out[v.Name] = struct{}{}
	}
	return out
}
