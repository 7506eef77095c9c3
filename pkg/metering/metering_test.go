package metering_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/metering"
)

func TestMeter_RecordAndGetUsage(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()
	tenantID := "tenant-123"

	events := []metering.Event{
		{TenantID: tenantID, EventType: metering.EventAppend, Quantity: 1},
		{TenantID: tenantID, EventType: metering.EventAppend, Quantity: 1},
		{TenantID: tenantID, EventType: metering.EventEvaluation, Quantity: 3},
		{TenantID: tenantID, EventType: metering.EventArtifactByte, Quantity: 1500},
	}

	for _, e := range events {
		err := meter.Record(ctx, e)
		require.NoError(t, err)
	}

	usage, err := meter.GetUsage(ctx, tenantID, metering.DailyPeriod())
	require.NoError(t, err)

	assert.Equal(t, tenantID, usage.TenantID)
	assert.Equal(t, int64(2), usage.Totals[metering.EventAppend])
	assert.Equal(t, int64(3), usage.Totals[metering.EventEvaluation])
	assert.Equal(t, int64(1500), usage.Totals[metering.EventArtifactByte])
}

func TestMeter_GetUsageByType(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()
	tenantID := "tenant-456"

	err := meter.RecordBatch(ctx, []metering.Event{
		{TenantID: tenantID, EventType: metering.EventSettlement, Quantity: 10},
		{TenantID: tenantID, EventType: metering.EventSettlement, Quantity: 5},
		{TenantID: tenantID, EventType: metering.EventAppend, Quantity: 100},
	})
	require.NoError(t, err)

	settlements, err := meter.GetUsageByType(ctx, tenantID, metering.EventSettlement, metering.DailyPeriod())
	require.NoError(t, err)
	assert.Equal(t, int64(15), settlements)
}

func TestMeter_TenantIsolation(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()

	_ = meter.Record(ctx, metering.Event{TenantID: "tenant-a", EventType: metering.EventAppend, Quantity: 100})
	_ = meter.Record(ctx, metering.Event{TenantID: "tenant-b", EventType: metering.EventAppend, Quantity: 50})

	usageA, _ := meter.GetUsage(ctx, "tenant-a", metering.DailyPeriod())
	usageB, _ := meter.GetUsage(ctx, "tenant-b", metering.DailyPeriod())

	assert.Equal(t, int64(100), usageA.Totals[metering.EventAppend])
	assert.Equal(t, int64(50), usageB.Totals[metering.EventAppend])
}

func TestMeter_Validation(t *testing.T) {
	meter := metering.NewMemoryMeter()
	ctx := context.Background()

	err := meter.Record(ctx, metering.Event{EventType: metering.EventAppend, Quantity: 1})
	assert.ErrorIs(t, err, metering.ErrEmptyTenantID)

	err = meter.Record(ctx, metering.Event{TenantID: "t", EventType: metering.EventAppend, Quantity: -1})
	assert.ErrorIs(t, err, metering.ErrNegativeQuantity)

	err = meter.Record(ctx, metering.Event{TenantID: "t", Quantity: 1})
	assert.ErrorIs(t, err, metering.ErrInvalidEventType)

	// Batch validation rejects the whole batch.
	err = meter.RecordBatch(ctx, []metering.Event{
		{TenantID: "t", EventType: metering.EventAppend, Quantity: 1},
		{TenantID: "", EventType: metering.EventAppend, Quantity: 1},
	})
	assert.ErrorIs(t, err, metering.ErrEmptyTenantID)
	total, err := meter.GetUsageByType(ctx, "t", metering.EventAppend, metering.DailyPeriod())
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestPeriods(t *testing.T) {
	daily := metering.DailyPeriod()
	assert.True(t, daily.End.Sub(daily.Start) == 24*time.Hour)

	monthly := metering.MonthlyPeriod()
	assert.True(t, monthly.Start.Day() == 1)
	assert.True(t, monthly.End.After(monthly.Start))
}
