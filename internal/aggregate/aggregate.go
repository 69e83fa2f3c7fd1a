// Package aggregate combines the attribution ledger with the live
// resource inventory into per-user usage totals and the virtual device
// report.
package aggregate

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

// Aggregator produces one UsageSnapshot per cycle. Snapshots are
// derived fresh on every call; nothing is cached here.
type Aggregator struct {
	ledger ports.AttributionLedger
	limits ports.LimitSource
	users  ports.UserDirectory
	logger *logrus.Logger
}

// New creates an aggregator.
func New(ledger ports.AttributionLedger, limits ports.LimitSource, users ports.UserDirectory, logger *logrus.Logger) *Aggregator {
	return &Aggregator{ledger: ledger, limits: limits, users: users, logger: logger}
}

// Aggregate computes per-user attributed bytes across containers,
// layers, and volumes, plus the device-wide unattributed remainder.
//
// Containers do not inherit their base image's layer bytes: layers are
// shared on disk and billed once, to whoever is recorded as their
// first creator. Image totals therefore enter the device total through
// the inventory, while the per-user share comes from layer records.
//
// When reservedBytes > 0 the device total is fixed to it; otherwise
// the total is the sum of configured limits plus whatever is currently
// unattributed, which keeps used <= total an invariant.
func (a *Aggregator) Aggregate(ctx context.Context, inv domain.Inventory, reservedBytes int64) (domain.UsageSnapshot, error) {
	perUser := make(map[int]int64)

	containerSizes := make(map[string]int64, len(inv.Containers))
	var totalContainerBytes int64
	for _, c := range inv.Containers {
		containerSizes[c.ID] = c.SizeBytes
		totalContainerBytes += c.SizeBytes
	}
	var totalImageBytes int64
	for _, img := range inv.Images {
		totalImageBytes += img.SizeBytes
	}
	volumeSizes := make(map[string]int64, len(inv.Volumes))
	var totalVolumeBytes int64
	for _, v := range inv.Volumes {
		volumeSizes[v.Name] = v.SizeBytes
		totalVolumeBytes += v.SizeBytes
	}

	// Container and volume shares use live sizes so usage stays current
	// between size-refresh passes; layer shares use the recorded size
	// because layers have no per-resource live listing.
	containerRecs, err := a.ledger.List(ctx, domain.KindContainer)
	if err != nil {
		return domain.UsageSnapshot{}, fmt.Errorf("list container attributions: %w", err)
	}
	for _, rec := range containerRecs {
		size, live := containerSizes[rec.ResourceID]
		if !live {
			continue
		}
		perUser[rec.OwnerUID] += size
	}

	layerSums, err := a.ledger.SumByOwner(ctx, domain.KindLayer)
	if err != nil {
		return domain.UsageSnapshot{}, fmt.Errorf("sum layer attributions: %w", err)
	}
	for uid, bytes := range layerSums {
		perUser[uid] += bytes
	}

	volumeRecs, err := a.ledger.List(ctx, domain.KindVolume)
	if err != nil {
		return domain.UsageSnapshot{}, fmt.Errorf("list volume attributions: %w", err)
	}
	for _, rec := range volumeRecs {
		size, live := volumeSizes[rec.ResourceID]
		if !live {
			continue
		}
		perUser[rec.OwnerUID] += size
	}

	var attributed int64
	for _, b := range perUser {
		attributed += b
	}
	totalResource := totalContainerBytes + totalImageBytes + totalVolumeBytes
	unattributed := totalResource - attributed
	if unattributed < 0 {
		unattributed = 0
	}

	total := reservedBytes
	if total <= 0 {
		limits, err := a.limits.Limits(ctx)
		if err != nil {
			return domain.UsageSnapshot{}, fmt.Errorf("load quota limits: %w", err)
		}
		for _, l := range limits {
			total += l.HardLimitBytes
		}
		total += unattributed
		if total < 1 {
			total = 1
		}
	}

	a.logger.WithFields(logrus.Fields{
		"containers":        len(inv.Containers),
		"images":            len(inv.Images),
		"volumes":           len(inv.Volumes),
		"attributed_bytes":  attributed,
		"unattributed":      unattributed,
		"total_bytes":       total,
		"users_with_usage":  len(perUser),
	}).Debug("usage aggregated")

	return domain.UsageSnapshot{
		PerUserBytes:       perUser,
		UnattributedBytes:  unattributed,
		TotalBytes:         total,
		AttributedBytes:    attributed,
		TotalResourceBytes: totalResource,
	}, nil
}

// Device builds the virtual device report from a snapshot, in the same
// per-device shape the rest of the quota system uses for physical
// filesystems.
func (a *Aggregator) Device(ctx context.Context, inv domain.Inventory, snap domain.UsageSnapshot) (domain.Device, error) {
	limits, err := a.limits.Limits(ctx)
	if err != nil {
		return domain.Device{}, fmt.Errorf("load quota limits: %w", err)
	}

	uids := make(map[int]struct{}, len(limits)+len(snap.PerUserBytes))
	for uid := range limits {
		uids[uid] = struct{}{}
	}
	for uid := range snap.PerUserBytes {
		uids[uid] = struct{}{}
	}
	sorted := make([]int, 0, len(uids))
	for uid := range uids {
		sorted = append(sorted, uid)
	}
	sort.Ints(sorted)

	quotas := make([]domain.UserQuota, 0, len(sorted))
	for _, uid := range sorted {
		limit := limits[uid]
		quotas = append(quotas, domain.UserQuota{
			UID:            uid,
			Name:           a.users.NameForUID(uid),
			BlockCurrent:   snap.Used(uid),
			BlockSoftLimit: limit.SoftLimitBytes / 1024,
			BlockHardLimit: limit.HardLimitBytes / 1024,
		})
	}

	free := snap.TotalBytes - snap.AttributedBytes - snap.UnattributedBytes
	if free < 0 {
		free = 0
	}
	percent := 0.0
	if snap.TotalBytes > 0 {
		percent = float64(snap.TotalBytes-free) / float64(snap.TotalBytes) * 100.0
	}

	return domain.Device{
		Name:            "docker",
		FSType:          "docker",
		MountPoints:     []string{inv.DataRoot},
		Opts:            []string{"docker"},
		UserQuotaFormat: "docker",
		Usage: domain.DeviceUsage{
			Used:    snap.AttributedBytes,
			Total:   snap.TotalBytes,
			Free:    free,
			Percent: percent,
		},
		UserQuotas:        quotas,
		UnattributedUsage: snap.UnattributedBytes,
	}, nil
}
