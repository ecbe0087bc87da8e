package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/asteriostudio/pulsebear/storage"
	"github.com/asteriostudio/pulsebear/storage/inmemory"
)

func TestRunSweepsImmediately(t *testing.T) {
	store := inmemory.NewMemStorage()
	now := time.Now().UTC()

	require.NoError(t, store.InsertVitals(context.Background(), []storage.WebVital{
		{ProjectID: "p1", Metric: "LCP", DeviceType: "desktop", Value: 2000, CreatedAt: now.Add(-100 * 24 * time.Hour)},
		{ProjectID: "p1", Metric: "LCP", DeviceType: "desktop", Value: 2100, CreatedAt: now.Add(-time.Hour)},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, store, 90*24*time.Hour, time.Hour, zap.NewNop().Sugar())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return store.VitalCount("p1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retention job did not stop on context cancel")
	}
}
