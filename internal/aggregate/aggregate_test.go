package aggregate

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qman/qman/internal/adapter/memory"
	"github.com/qman/qman/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	ledger *memory.Ledger
	limits *memory.LimitStore
	agg    *Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: memory.NewLedger(),
		limits: memory.NewLimitStore(),
	}
	f.agg = New(f.ledger, f.limits, memory.Users{1001: "alice", 1002: "bob"}, quietLogger())
	return f
}

func (f *fixture) attribute(t *testing.T, kind domain.ResourceKind, id string, uid int, size int64) {
	t.Helper()
	_, err := f.ledger.UpsertFromCorrelation(context.Background(), domain.AttributionRecord{
		ResourceID: id, Kind: kind, OwnerUID: uid, SizeBytes: size,
		FirstSeenAt: time.Unix(0, 0), Source: domain.SourceCorrelation,
	})
	require.NoError(t, err)
}

func TestAggregateSumsPerUserAcrossKinds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := domain.Inventory{
		Containers: []domain.Container{{ID: "c1", SizeBytes: 1000}},
		Images:     []domain.Image{{ID: "i1", SizeBytes: 5000, Layers: []domain.Layer{{ID: "l1", SizeBytes: 5000}}}},
		Volumes:    []domain.Volume{{Name: "v1", SizeBytes: 300}},
	}
	f.attribute(t, domain.KindContainer, "c1", 1001, 1000)
	f.attribute(t, domain.KindLayer, "l1", 1001, 5000)
	f.attribute(t, domain.KindVolume, "v1", 1002, 300)

	snap, err := f.agg.Aggregate(ctx, inv, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(6000), snap.Used(1001))
	assert.Equal(t, int64(300), snap.Used(1002))
	assert.Equal(t, int64(6300), snap.AttributedBytes)
	assert.Equal(t, int64(6300), snap.TotalResourceBytes)
	assert.Equal(t, int64(0), snap.UnattributedBytes)
}

func TestAggregateUnattributedRemainder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := domain.Inventory{
		Containers: []domain.Container{
			{ID: "c1", SizeBytes: 1000},
			{ID: "orphan", SizeBytes: 4000},
		},
	}
	f.attribute(t, domain.KindContainer, "c1", 1001, 1000)

	snap, err := f.agg.Aggregate(ctx, inv, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), snap.AttributedBytes)
	assert.Equal(t, int64(4000), snap.UnattributedBytes)
	assert.Equal(t, snap.TotalResourceBytes, snap.AttributedBytes+snap.UnattributedBytes)
}

func TestAggregateIgnoresDeadRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.attribute(t, domain.KindContainer, "gone", 1001, 9000)

	snap, err := f.agg.Aggregate(ctx, domain.Inventory{}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Used(1001))
}

func TestAggregateUsesLiveContainerSizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// The record still carries the size from attribution time; the
	// container has since grown.
	f.attribute(t, domain.KindContainer, "c1", 1001, 100)
	inv := domain.Inventory{Containers: []domain.Container{{ID: "c1", SizeBytes: 2500}}}

	snap, err := f.agg.Aggregate(ctx, inv, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), snap.Used(1001))
}

func TestTotalFromReservedBytes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snap, err := f.agg.Aggregate(ctx, domain.Inventory{}, 50_000)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), snap.TotalBytes)
}

func TestTotalFromLimitsPlusUnattributed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.limits.SetLimit(ctx, domain.QuotaLimit{UID: 1001, HardLimitBytes: 10_000}))
	require.NoError(t, f.limits.SetLimit(ctx, domain.QuotaLimit{UID: 1002, HardLimitBytes: 20_000}))
	inv := domain.Inventory{Containers: []domain.Container{{ID: "orphan", SizeBytes: 7_000}}}

	snap, err := f.agg.Aggregate(ctx, inv, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(37_000), snap.TotalBytes)
}

func TestTotalNeverZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snap, err := f.agg.Aggregate(ctx, domain.Inventory{}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.TotalBytes)
}

func TestDeviceReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.limits.SetLimit(ctx, domain.QuotaLimit{UID: 1001, HardLimitBytes: 1 << 20, SoftLimitBytes: 1 << 19}))
	f.attribute(t, domain.KindContainer, "c1", 1002, 4096)
	inv := domain.Inventory{
		DataRoot:   "/var/lib/docker",
		Containers: []domain.Container{{ID: "c1", SizeBytes: 4096}},
	}

	snap, err := f.agg.Aggregate(ctx, inv, 0)
	require.NoError(t, err)
	device, err := f.agg.Device(ctx, inv, snap)
	require.NoError(t, err)

	assert.Equal(t, "docker", device.Name)
	assert.Equal(t, "docker", device.FSType)
	assert.Equal(t, []string{"/var/lib/docker"}, device.MountPoints)

	// Rows are sorted by uid: 1001 has only a limit, 1002 only usage.
	require.Len(t, device.UserQuotas, 2)
	assert.Equal(t, 1001, device.UserQuotas[0].UID)
	assert.Equal(t, "alice", device.UserQuotas[0].Name)
	assert.Equal(t, int64(0), device.UserQuotas[0].BlockCurrent)
	assert.Equal(t, int64(1024), device.UserQuotas[0].BlockHardLimit)
	assert.Equal(t, int64(512), device.UserQuotas[0].BlockSoftLimit)
	assert.Equal(t, 1002, device.UserQuotas[1].UID)
	assert.Equal(t, int64(4096), device.UserQuotas[1].BlockCurrent)

	assert.Equal(t, snap.AttributedBytes, device.Usage.Used)
	assert.Equal(t, device.Usage.Total-device.Usage.Free, device.Usage.Used+device.UnattributedUsage)
	assert.GreaterOrEqual(t, device.Usage.Free, int64(0))
}
