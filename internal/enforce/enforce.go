// Package enforce turns usage snapshots into container removals for
// users over their hard limit.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/qman/qman/internal/aggregate"
	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

// State is the scheduler's observable phase, exposed on the health
// endpoint.
type State string

const (
	StateIdle        State = "idle"
	StateEvaluating  State = "evaluating"
	StateRemediating State = "remediating"
)

// ErrRunInProgress is returned when a run is triggered while another
// is still active. Runs are single-flight; the trigger is dropped, not
// queued.
var ErrRunInProgress = errors.New("enforcement run already in progress")

// Report summarises one enforcement run.
type Report struct {
	RunID     string
	Snapshot  domain.UsageSnapshot
	Actions   []domain.EnforcementAction
	Exhausted []int // uids still over limit with nothing left to remove
}

// Invalidator flushes a cached inventory listing. After a removal the
// next listing must come from the engine, not the cache, or the
// re-aggregation below would keep counting the removed container.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Options tune the scheduler.
type Options struct {
	// Order selects which containers are removed first.
	Order domain.EnforcementOrder

	// ReservedBytes caps the device total; 0 means the total is derived
	// from configured limits.
	ReservedBytes int64

	// DryRun evaluates and reports but never stops or removes.
	DryRun bool
}

// Scheduler evaluates every user with a configured limit and
// remediates the ones over it, one container at a time with a fresh
// aggregation after each removal.
type Scheduler struct {
	aggregator *aggregate.Aggregator
	inventory  ports.RuntimeInventory
	ledger     ports.AttributionLedger
	limits     ports.LimitSource
	control    ports.RuntimeControl
	sink       ports.EventSink
	users      ports.UserDirectory
	cache      Invalidator
	opts       Options
	logger     *logrus.Logger

	mu      sync.Mutex
	state   State
	running bool
}

func NewScheduler(
	aggregator *aggregate.Aggregator,
	inventory ports.RuntimeInventory,
	ledger ports.AttributionLedger,
	limits ports.LimitSource,
	control ports.RuntimeControl,
	sink ports.EventSink,
	users ports.UserDirectory,
	cache Invalidator,
	opts Options,
	logger *logrus.Logger,
) *Scheduler {
	if opts.Order == "" {
		opts.Order = domain.OrderNewestFirst
	}
	return &Scheduler{
		aggregator: aggregator,
		inventory:  inventory,
		ledger:     ledger,
		limits:     limits,
		control:    control,
		sink:       sink,
		users:      users,
		cache:      cache,
		opts:       opts,
		logger:     logger,
		state:      StateIdle,
	}
}

// State returns the current phase.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes one enforcement run. Overlapping runs are rejected with
// ErrRunInProgress.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Report{}, ErrRunInProgress
	}
	s.running = true
	s.state = StateEvaluating
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.state = StateIdle
		s.mu.Unlock()
	}()

	report := Report{RunID: uuid.NewString()}
	log := s.logger.WithField("run_id", report.RunID)

	inv, err := s.inventory.Inventory(ctx)
	if err != nil {
		return report, fmt.Errorf("list inventory: %w", err)
	}
	snap, err := s.aggregator.Aggregate(ctx, inv, s.opts.ReservedBytes)
	if err != nil {
		return report, fmt.Errorf("aggregate usage: %w", err)
	}
	report.Snapshot = snap

	limits, err := s.limits.Limits(ctx)
	if err != nil {
		return report, fmt.Errorf("load limits: %w", err)
	}

	uids := make([]int, 0, len(limits))
	for uid := range limits {
		uids = append(uids, uid)
	}
	sort.Ints(uids)

	for _, uid := range uids {
		limit := limits[uid]
		if limit.Unlimited() {
			continue
		}
		used := snap.Used(uid)
		if used <= limit.HardLimitBytes {
			continue
		}

		log.WithFields(logrus.Fields{
			"uid":   uid,
			"used":  units.BytesSize(float64(used)),
			"limit": units.BytesSize(float64(limit.HardLimitBytes)),
		}).Warn("user over hard limit")
		s.emit(ctx, domain.Event{
			UID:      uid,
			UserName: s.users.NameForUID(uid),
			Type:     domain.EventQuotaExceeded,
			Detail: map[string]interface{}{
				"used_bytes":  used,
				"limit_bytes": limit.HardLimitBytes,
			},
			At: time.Now(),
		})

		if s.opts.DryRun {
			continue
		}

		s.setState(StateRemediating)
		inv, snap, err = s.remediate(ctx, log, uid, limit, inv, snap, &report)
		s.setState(StateEvaluating)
		if err != nil {
			return report, err
		}
	}

	log.WithFields(logrus.Fields{
		"actions":   len(report.Actions),
		"exhausted": report.Exhausted,
	}).Info("enforcement run complete")
	return report, nil
}

// remediate removes one container at a time until uid is back under
// its limit, re-aggregating after each removal so shared resources are
// recounted. A container that cannot be stopped or removed is skipped
// for the rest of the run.
func (s *Scheduler) remediate(
	ctx context.Context,
	log *logrus.Entry,
	uid int,
	limit domain.QuotaLimit,
	inv domain.Inventory,
	snap domain.UsageSnapshot,
	report *Report,
) (domain.Inventory, domain.UsageSnapshot, error) {
	skipped := make(map[string]struct{})

	for snap.Used(uid) > limit.HardLimitBytes {
		candidate, ok := s.nextCandidate(ctx, uid, inv, skipped)
		if !ok {
			log.WithFields(logrus.Fields{
				"uid":  uid,
				"used": units.BytesSize(float64(snap.Used(uid))),
			}).Warn("user still over limit with no removable containers left")
			report.Exhausted = append(report.Exhausted, uid)
			return inv, snap, nil
		}

		over := snap.Used(uid) - limit.HardLimitBytes
		if err := s.control.StopContainer(ctx, candidate.ID); err != nil {
			log.WithError(err).WithField("container", shortID(candidate.ID)).Warn("stop failed, skipping container")
			skipped[candidate.ID] = struct{}{}
			continue
		}
		if err := s.control.RemoveContainer(ctx, candidate.ID); err != nil {
			log.WithError(err).WithField("container", shortID(candidate.ID)).Warn("remove failed, skipping container")
			skipped[candidate.ID] = struct{}{}
			continue
		}
		if err := s.ledger.Delete(ctx, domain.KindContainer, candidate.ID); err != nil {
			return inv, snap, fmt.Errorf("drop ledger record for %s: %w", shortID(candidate.ID), err)
		}
		if s.cache != nil {
			s.cache.Invalidate(ctx)
		}

		var err error
		inv, err = s.inventory.Inventory(ctx)
		if err != nil {
			return inv, snap, fmt.Errorf("refresh inventory: %w", err)
		}
		snap, err = s.aggregator.Aggregate(ctx, inv, s.opts.ReservedBytes)
		if err != nil {
			return inv, snap, fmt.Errorf("re-aggregate usage: %w", err)
		}

		action := domain.EnforcementAction{
			UID:             uid,
			ResourceID:      candidate.ID,
			BytesOverBefore: over,
			BytesAfter:      snap.Used(uid),
		}
		report.Actions = append(report.Actions, action)
		log.WithFields(logrus.Fields{
			"uid":       uid,
			"container": shortID(candidate.ID),
			"freed_to":  units.BytesSize(float64(snap.Used(uid))),
		}).Info("container removed")
		s.emit(ctx, domain.Event{
			UID:      uid,
			UserName: s.users.NameForUID(uid),
			Type:     domain.EventContainerRemoved,
			Detail: map[string]interface{}{
				"container_id":     candidate.ID,
				"bytes_after":      snap.Used(uid),
				"limit_bytes":      limit.HardLimitBytes,
				"bytes_over_prior": over,
			},
			At: time.Now(),
		})
	}
	return inv, snap, nil
}

// nextCandidate picks the user's next container per the configured
// order, considering only containers that are both attributed to the
// user and still live.
func (s *Scheduler) nextCandidate(ctx context.Context, uid int, inv domain.Inventory, skipped map[string]struct{}) (domain.Container, bool) {
	records, err := s.ledger.RecordsByOwner(ctx, domain.KindContainer, uid)
	if err != nil {
		s.logger.WithError(err).WithField("uid", uid).Error("could not list user containers")
		return domain.Container{}, false
	}
	owned := make(map[string]struct{}, len(records))
	for _, rec := range records {
		owned[rec.ResourceID] = struct{}{}
	}

	var candidates []domain.Container
	for _, c := range inv.Containers {
		if _, ok := owned[c.ID]; !ok {
			continue
		}
		if _, ok := skipped[c.ID]; ok {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return domain.Container{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch s.opts.Order {
		case domain.OrderOldestFirst:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		case domain.OrderLargestFirst:
			if a.SizeBytes != b.SizeBytes {
				return a.SizeBytes > b.SizeBytes
			}
		default: // newest first
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		// Deterministic tie-break.
		return a.ID < b.ID
	})
	return candidates[0], true
}

func (s *Scheduler) emit(ctx context.Context, ev domain.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Emit(ctx, ev); err != nil {
		s.logger.WithError(err).Warn("event delivery failed")
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// RunLoop runs enforcement on a fixed interval until the context ends.
// A run still in flight when the ticker fires is left alone.
func (s *Scheduler) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
				s.logger.WithError(err).Error("enforcement run failed")
			}
		}
	}
}
