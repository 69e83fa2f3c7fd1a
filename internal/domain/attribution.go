package domain

import (
	"errors"
	"time"
)

// ResourceKind identifies the class of runtime resource an attribution
// record belongs to. Resource IDs are only unique within a kind.
type ResourceKind string

const (
	KindContainer ResourceKind = "container"
	KindImage     ResourceKind = "image"
	KindLayer     ResourceKind = "layer"
	KindVolume    ResourceKind = "volume"
)

// AttributionSource records how ownership was established.
type AttributionSource string

const (
	// SourceLabel is an explicit qman.user label on the resource. It is
	// authoritative and may replace an existing correlation record.
	SourceLabel AttributionSource = "label"

	// SourceCorrelation is an ownership inference from audit records.
	// It never overwrites an existing record of either source.
	SourceCorrelation AttributionSource = "correlation"
)

// AttributionRecord is the durable unit of ownership: one resource,
// one owning user.
type AttributionRecord struct {
	ResourceID  string            `json:"resource_id"`
	Kind        ResourceKind      `json:"kind"`
	OwnerUID    int               `json:"owner_uid"`
	OwnerName   string            `json:"owner_name"`
	SizeBytes   int64             `json:"size_bytes"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	Source      AttributionSource `json:"source"`
}

var (
	// ErrNotAttributed is returned when a resource has no ledger record.
	ErrNotAttributed = errors.New("resource is not attributed")

	// ErrUnknownKind is returned for a resource kind outside the closed set.
	ErrUnknownKind = errors.New("unknown resource kind")
)

// ValidKind reports whether k is one of the closed set of resource kinds.
func ValidKind(k ResourceKind) bool {
	switch k {
	case KindContainer, KindImage, KindLayer, KindVolume:
		return true
	}
	return false
}
