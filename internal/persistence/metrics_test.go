package persistence_test

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/datakiln/internal/lifecycle"
	"github.com/basket/datakiln/internal/otel"
)

func TestTransitionIncrementsCounter(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(ctx)
	m, err := otel.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	store.SetMetrics(m)

	task := createTestTask(t, store, "alice")
	advanceTo(t, store, task.ID, lifecycle.StatusQueued)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "datakiln.task.transitions" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", metric.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	// CREATED→UPLOADING and UPLOADING→QUEUED.
	if total != 2 {
		t.Errorf("transition count = %d, want 2", total)
	}
}
