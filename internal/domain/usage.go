package domain

import (
	"errors"
	"time"
)

// QuotaLimit is the configured per-user limit, supplied by the
// surrounding quota system. A hard limit of 0 means no limit.
type QuotaLimit struct {
	UID            int   `json:"uid"`
	HardLimitBytes int64 `json:"hard_limit_bytes"`
	SoftLimitBytes int64 `json:"soft_limit_bytes"`
}

// Unlimited reports whether the limit excludes the user from
// enforcement.
func (l QuotaLimit) Unlimited() bool { return l.HardLimitBytes <= 0 }

// UsageSnapshot is the per-cycle aggregation result. It is derived and
// never persisted.
type UsageSnapshot struct {
	PerUserBytes       map[int]int64
	UnattributedBytes  int64
	TotalBytes         int64
	AttributedBytes    int64
	TotalResourceBytes int64 // sum of all resource sizes across kinds
}

// Used returns the attributed usage of one user.
func (s UsageSnapshot) Used(uid int) int64 { return s.PerUserBytes[uid] }

// DeviceUsage is the used/total/free/percent block of the virtual
// device, matching the shape the rest of the quota system reports for
// physical filesystems.
type DeviceUsage struct {
	Used    int64   `json:"used"`
	Total   int64   `json:"total"`
	Free    int64   `json:"free"`
	Percent float64 `json:"percent"`
}

// UserQuota is one user's row in the virtual device report. Block
// limits are in 1K blocks for consistency with the system's quota
// records; current usage is raw bytes. Inode fields are always zero
// for runtime storage.
type UserQuota struct {
	UID              int    `json:"uid"`
	Name             string `json:"name"`
	BlockCurrent     int64  `json:"block_current"`
	BlockSoftLimit   int64  `json:"block_soft_limit"`
	BlockHardLimit   int64  `json:"block_hard_limit"`
	InodeCurrent     int64  `json:"inode_current"`
	InodeSoftLimit   int64  `json:"inode_soft_limit"`
	InodeHardLimit   int64  `json:"inode_hard_limit"`
	BlockTimeLimit   int64  `json:"block_time_limit"`
	InodeTimeLimit   int64  `json:"inode_time_limit"`
}

// Device is the virtual device entry reported alongside physical
// filesystems so the rest of the quota system needs no special case.
type Device struct {
	Name              string      `json:"name"`
	FSType            string      `json:"fstype"`
	MountPoints       []string    `json:"mount_points"`
	Opts              []string    `json:"opts"`
	Usage             DeviceUsage `json:"usage"`
	UserQuotaFormat   string      `json:"user_quota_format"`
	UserQuotas        []UserQuota `json:"user_quotas"`
	UnattributedUsage int64       `json:"unattributed_usage,omitempty"`
}

// EnforcementOrder selects which of an over-limit user's containers
// are removed first.
type EnforcementOrder string

const (
	OrderNewestFirst  EnforcementOrder = "newest_first"
	OrderOldestFirst  EnforcementOrder = "oldest_first"
	OrderLargestFirst EnforcementOrder = "largest_first"
)

// ErrInvalidOrder is returned by configuration validation for an
// unknown enforcement order.
var ErrInvalidOrder = errors.New("invalid enforcement order")

// ParseOrder validates a raw enforcement order string.
func ParseOrder(raw string) (EnforcementOrder, error) {
	switch o := EnforcementOrder(raw); o {
	case OrderNewestFirst, OrderOldestFirst, OrderLargestFirst:
		return o, nil
	}
	return "", ErrInvalidOrder
}

// EnforcementAction records one removal decision within a run. Actions
// live only for the duration of the run.
type EnforcementAction struct {
	UID                 int
	ResourceID          string
	BytesOverBefore     int64
	BytesAfter          int64
}

// EventType classifies outbound notification events.
type EventType string

const (
	EventQuotaExceeded    EventType = "quota_exceeded"
	EventContainerRemoved EventType = "container_removed"
)

// Event is one structured notification handed to the event sink.
// Delivery is fire-and-forget, at most once.
type Event struct {
	ID       string                 `json:"id"`
	UID      int                    `json:"uid"`
	UserName string                 `json:"host_user_name"`
	Type     EventType              `json:"event_type"`
	Detail   map[string]interface{} `json:"detail"`
	At       time.Time              `json:"at"`
}
