// Package attribution maintains the ownership ledger. Each cycle folds
// three signals into durable records: explicit owner labels, runtime
// lifecycle events, and audit correlation for everything created
// without a label.
package attribution

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qman/qman/internal/correlate"
	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

// CursorKey is the settings key under which the event cursor persists.
const CursorKey = "runtime_event_cursor"

// Invalidator is implemented by caching inventory decorators.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Options tune one sync cycle.
type Options struct {
	// Window is the correlation window around a resource creation.
	Window time.Duration

	// AuditLookback bounds the audit query.
	AuditLookback time.Duration

	// AuditKeys are the ausearch keys the audit rules tag runtime
	// activity with.
	AuditKeys []string

	// EventMaxWait and EventMaxCount bound event collection.
	EventMaxWait  time.Duration
	EventMaxCount int
}

// DefaultOptions mirrors the daemon defaults.
func DefaultOptions() Options {
	return Options{
		Window:        correlate.DefaultWindow,
		AuditLookback: time.Hour,
		AuditKeys:     []string{"docker_socket", "docker_exec"},
		EventMaxWait:  5 * time.Second,
		EventMaxCount: 500,
	}
}

// CycleStats summarises one sync cycle for logging and tests.
type CycleStats struct {
	EventsSeen      int
	Labeled         int
	Correlated      int
	LayersBackfill  int
	Reconciled      int
	CursorAdvanced  bool
}

// Syncer runs attribution cycles. It owns the event cursor: the cursor
// only advances after every attribution derived from the collected
// events has been durably written.
type Syncer struct {
	ledger    ports.AttributionLedger
	cursors   ports.CursorStore
	inventory ports.RuntimeInventory
	events    ports.RuntimeEvents
	audit     ports.AuditSource
	users     ports.UserDirectory
	cache     Invalidator // optional
	opts      Options
	logger    *logrus.Logger
}

func NewSyncer(
	ledger ports.AttributionLedger,
	cursors ports.CursorStore,
	inventory ports.RuntimeInventory,
	events ports.RuntimeEvents,
	audit ports.AuditSource,
	users ports.UserDirectory,
	cache Invalidator,
	opts Options,
	logger *logrus.Logger,
) *Syncer {
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.AuditLookback <= 0 {
		opts.AuditLookback = def.AuditLookback
	}
	if len(opts.AuditKeys) == 0 {
		opts.AuditKeys = def.AuditKeys
	}
	if opts.EventMaxWait <= 0 {
		opts.EventMaxWait = def.EventMaxWait
	}
	if opts.EventMaxCount <= 0 {
		opts.EventMaxCount = def.EventMaxCount
	}
	return &Syncer{
		ledger:    ledger,
		cursors:   cursors,
		inventory: inventory,
		events:    events,
		audit:     audit,
		users:     users,
		cache:     cache,
		opts:      opts,
		logger:    logger,
	}
}

// Cycle runs one full attribution pass. Ledger write failures abort
// the cycle before the cursor moves, so the same events are replayed
// next time. Audit failures only degrade correlation.
func (s *Syncer) Cycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	cursor, err := s.cursors.GetCursor(ctx, CursorKey)
	if err != nil {
		return stats, fmt.Errorf("load event cursor: %w", err)
	}
	events, newCursor, err := s.events.CollectSince(ctx, cursor, s.opts.EventMaxWait, s.opts.EventMaxCount)
	if err != nil {
		return stats, fmt.Errorf("collect runtime events: %w", err)
	}
	stats.EventsSeen = len(events)

	// Destroy, die and delete activity advances the cursor without
	// producing attribution events. A cached inventory would keep
	// reporting those removed resources until its TTL, so any raw
	// activity flushes it before the inventory read below.
	if newCursor > cursor && s.cache != nil {
		s.cache.Invalidate(ctx)
	}

	inv, err := s.inventory.Inventory(ctx)
	if err != nil {
		return stats, fmt.Errorf("list inventory: %w", err)
	}

	audits := s.auditRecords(ctx)

	if err := s.attributeContainers(ctx, inv, audits, &stats); err != nil {
		return stats, err
	}
	if err := s.attributeFromEvents(ctx, inv, events, audits, &stats); err != nil {
		return stats, err
	}
	if err := s.backfillLayers(ctx, inv, &stats); err != nil {
		return stats, err
	}
	if err := s.attributeVolumes(ctx, inv, &stats); err != nil {
		return stats, err
	}
	if err := s.refreshSizes(ctx, inv); err != nil {
		return stats, err
	}
	if err := s.reconcile(ctx, inv, &stats); err != nil {
		return stats, err
	}

	if newCursor > cursor {
		if err := s.cursors.SetCursor(ctx, CursorKey, newCursor); err != nil {
			return stats, fmt.Errorf("persist event cursor: %w", err)
		}
		stats.CursorAdvanced = true
	}

	s.logger.WithFields(logrus.Fields{
		"events":     stats.EventsSeen,
		"labeled":    stats.Labeled,
		"correlated": stats.Correlated,
		"layers":     stats.LayersBackfill,
		"reconciled": stats.Reconciled,
	}).Debug("attribution cycle complete")
	return stats, nil
}

func (s *Syncer) auditRecords(ctx context.Context) []domain.AuditRecord {
	records, err := s.audit.Query(ctx, s.opts.AuditKeys, s.opts.AuditLookback)
	if err != nil {
		s.logger.WithError(err).Warn("audit query failed, correlating from labels and events only")
		return nil
	}
	return records
}

// attributeContainers walks the live container list. A labeled
// container always gets a label record; an unlabeled one is correlated
// against audit activity around its creation time.
func (s *Syncer) attributeContainers(ctx context.Context, inv domain.Inventory, audits []domain.AuditRecord, stats *CycleStats) error {
	for _, c := range inv.Containers {
		if uid, name, ok := s.ownerFromLabels(c.Labels); ok {
			rec := domain.AttributionRecord{
				ResourceID:  c.ID,
				Kind:        domain.KindContainer,
				OwnerUID:    uid,
				OwnerName:   name,
				SizeBytes:   c.SizeBytes,
				FirstSeenAt: c.CreatedAt,
				Source:      domain.SourceLabel,
			}
			if _, err := s.ledger.UpsertFromLabel(ctx, rec); err != nil {
				return fmt.Errorf("attribute labeled container %s: %w", shortID(c.ID), err)
			}
			stats.Labeled++
			continue
		}
		if _, err := s.ledger.Get(ctx, domain.KindContainer, c.ID); err == nil {
			continue
		}
		uid, ok := correlate.Correlate(c.CreatedAt, audits, s.opts.Window)
		if !ok {
			continue
		}
		rec := domain.AttributionRecord{
			ResourceID:  c.ID,
			Kind:        domain.KindContainer,
			OwnerUID:    uid,
			OwnerName:   s.users.NameForUID(uid),
			SizeBytes:   c.SizeBytes,
			FirstSeenAt: c.CreatedAt,
			Source:      domain.SourceCorrelation,
		}
		if _, err := s.ledger.UpsertFromCorrelation(ctx, rec); err != nil {
			return fmt.Errorf("attribute container %s: %w", shortID(c.ID), err)
		}
		stats.Correlated++
	}
	return nil
}

// attributeFromEvents handles the consumed lifecycle events, oldest
// first so first-creator-wins resolves deterministically. Container
// create events are covered by the inventory pass; image events are
// attributed here. A commit inherits the owner of the container that
// was committed when one can be found, otherwise falls back to audit
// correlation like any other image event.
func (s *Syncer) attributeFromEvents(ctx context.Context, inv domain.Inventory, events []domain.RuntimeEvent, audits []domain.AuditRecord, stats *CycleStats) error {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TimestampNano < events[j].TimestampNano
	})
	for _, ev := range events {
		if ev.Kind != domain.KindImage {
			continue
		}
		if _, err := s.ledger.Get(ctx, domain.KindImage, ev.ID); err == nil {
			continue
		}

		var uid int
		var ok bool
		if ev.Action == domain.ActionCommit {
			uid, ok = s.committingOwner(ctx, inv, ev)
		}
		if !ok {
			uid, ok = correlate.Correlate(ev.Time(), audits, s.opts.Window)
		}
		if !ok {
			continue
		}
		rec := domain.AttributionRecord{
			ResourceID:  ev.ID,
			Kind:        domain.KindImage,
			OwnerUID:    uid,
			OwnerName:   s.users.NameForUID(uid),
			SizeBytes:   imageSize(inv, ev.ID),
			FirstSeenAt: ev.Time(),
			Source:      domain.SourceCorrelation,
		}
		if _, err := s.ledger.UpsertFromCorrelation(ctx, rec); err != nil {
			return fmt.Errorf("attribute image %s: %w", shortID(ev.ID), err)
		}
		stats.Correlated++
	}
	return nil
}

// committingOwner finds the owner of the container an image was
// committed from: the attributed container whose image is now ev.ID.
func (s *Syncer) committingOwner(ctx context.Context, inv domain.Inventory, ev domain.RuntimeEvent) (int, bool) {
	for _, c := range inv.Containers {
		if c.ImageID != ev.ID {
			continue
		}
		rec, err := s.ledger.Get(ctx, domain.KindContainer, c.ID)
		if err == nil {
			return rec.OwnerUID, true
		}
	}
	return 0, false
}

// backfillLayers gives every layer of an attributed image the image
// owner's uid. Shared layers stay with whoever pulled them first.
func (s *Syncer) backfillLayers(ctx context.Context, inv domain.Inventory, stats *CycleStats) error {
	for _, img := range inv.Images {
		rec, err := s.ledger.Get(ctx, domain.KindImage, img.ID)
		if err != nil {
			continue
		}
		for _, layer := range img.Layers {
			lrec := domain.AttributionRecord{
				ResourceID:  layer.ID,
				Kind:        domain.KindLayer,
				OwnerUID:    rec.OwnerUID,
				OwnerName:   rec.OwnerName,
				SizeBytes:   layer.SizeBytes,
				FirstSeenAt: rec.FirstSeenAt,
				Source:      domain.SourceCorrelation,
			}
			stored, err := s.ledger.UpsertFromCorrelation(ctx, lrec)
			if err != nil {
				return fmt.Errorf("attribute layer %s: %w", shortID(layer.ID), err)
			}
			if stored.OwnerUID == rec.OwnerUID && stored.FirstSeenAt.Equal(lrec.FirstSeenAt) {
				stats.LayersBackfill++
			}
		}
	}
	return nil
}

// attributeVolumes handles named volumes: an owner label wins, else
// the volume inherits the owner of the first attributed container
// mounting it.
func (s *Syncer) attributeVolumes(ctx context.Context, inv domain.Inventory, stats *CycleStats) error {
	mountedBy := make(map[string]string) // volume name -> first container ID
	for _, c := range inv.Containers {
		for _, name := range c.Volumes {
			if _, ok := mountedBy[name]; !ok {
				mountedBy[name] = c.ID
			}
		}
	}

	for _, v := range inv.Volumes {
		if uid, name, ok := s.ownerFromLabels(v.Labels); ok {
			rec := domain.AttributionRecord{
				ResourceID: v.Name,
				Kind:       domain.KindVolume,
				OwnerUID:   uid,
				OwnerName:  name,
				SizeBytes:  v.SizeBytes,
				Source:     domain.SourceLabel,
			}
			if _, err := s.ledger.UpsertFromLabel(ctx, rec); err != nil {
				return fmt.Errorf("attribute labeled volume %s: %w", v.Name, err)
			}
			stats.Labeled++
			continue
		}
		if _, err := s.ledger.Get(ctx, domain.KindVolume, v.Name); err == nil {
			continue
		}
		containerID, ok := mountedBy[v.Name]
		if !ok {
			continue
		}
		owner, err := s.ledger.Get(ctx, domain.KindContainer, containerID)
		if err != nil {
			continue
		}
		rec := domain.AttributionRecord{
			ResourceID: v.Name,
			Kind:       domain.KindVolume,
			OwnerUID:   owner.OwnerUID,
			OwnerName:  owner.OwnerName,
			SizeBytes:  v.SizeBytes,
			Source:     domain.SourceCorrelation,
		}
		if _, err := s.ledger.UpsertFromCorrelation(ctx, rec); err != nil {
			return fmt.Errorf("attribute volume %s: %w", v.Name, err)
		}
		stats.Correlated++
	}
	return nil
}

// refreshSizes updates sizes of already-attributed resources so the
// next aggregation sees current numbers.
func (s *Syncer) refreshSizes(ctx context.Context, inv domain.Inventory) error {
	update := func(kind domain.ResourceKind, id string, size int64) error {
		err := s.ledger.UpdateSize(ctx, kind, id, size)
		if err != nil && err != domain.ErrNotAttributed {
			return fmt.Errorf("refresh %s %s size: %w", kind, shortID(id), err)
		}
		return nil
	}
	for _, c := range inv.Containers {
		if err := update(domain.KindContainer, c.ID, c.SizeBytes); err != nil {
			return err
		}
	}
	for _, img := range inv.Images {
		if err := update(domain.KindImage, img.ID, img.SizeBytes); err != nil {
			return err
		}
		for _, l := range img.Layers {
			if err := update(domain.KindLayer, l.ID, l.SizeBytes); err != nil {
				return err
			}
		}
	}
	for _, v := range inv.Volumes {
		if err := update(domain.KindVolume, v.Name, v.SizeBytes); err != nil {
			return err
		}
	}
	return nil
}

// reconcile drops records for resources that no longer exist.
func (s *Syncer) reconcile(ctx context.Context, inv domain.Inventory, stats *CycleStats) error {
	for _, pass := range []struct {
		kind domain.ResourceKind
		live map[string]struct{}
	}{
		{domain.KindContainer, inv.ContainerIDs()},
		{domain.KindImage, inv.ImageIDs()},
		{domain.KindLayer, inv.LayerUnion()},
		{domain.KindVolume, inv.VolumeNames()},
	} {
		n, err := s.ledger.Reconcile(ctx, pass.kind, pass.live)
		if err != nil {
			return fmt.Errorf("reconcile %s records: %w", pass.kind, err)
		}
		stats.Reconciled += n
	}
	return nil
}

// ownerFromLabels reads the owner label, which carries either a
// username or a numeric uid.
func (s *Syncer) ownerFromLabels(labels map[string]string) (int, string, bool) {
	raw, ok := labels[domain.OwnerLabel]
	if !ok || raw == "" {
		return 0, "", false
	}
	if uid, err := strconv.Atoi(raw); err == nil && uid >= 0 {
		return uid, s.users.NameForUID(uid), true
	}
	if uid, ok := s.users.UIDForName(raw); ok {
		return uid, raw, true
	}
	s.logger.WithField("owner", raw).Warn("owner label does not resolve to a host user")
	return 0, "", false
}

func imageSize(inv domain.Inventory, id string) int64 {
	for _, img := range inv.Images {
		if img.ID == id {
			return img.SizeBytes
		}
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Run executes cycles on a fixed interval until the context ends. An
// immediate first cycle makes the ledger usable right after startup.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if _, err := s.Cycle(ctx); err != nil {
		s.logger.WithError(err).Error("attribution cycle failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cycle(ctx); err != nil {
				s.logger.WithError(err).Error("attribution cycle failed")
			}
		}
	}
}
