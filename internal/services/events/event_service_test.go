package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/compono/internal/common"
	"github.com/ternarybob/compono/internal/interfaces"
)

func TestSubscribeRejectsNilHandler(t *testing.T) {
	service := NewService(common.GetLogger())
	require.Error(t, service.Subscribe(interfaces.EventUnitDecision, nil))
}

func TestPublishSyncFansOutToAllSubscribers(t *testing.T) {
	service := NewService(common.GetLogger())

	var count int64
	for i := 0; i < 3; i++ {
		require.NoError(t, service.Subscribe(interfaces.EventUnitGenerated, func(ctx context.Context, event interfaces.Event) error {
			atomic.AddInt64(&count, 1)
			return nil
		}))
	}

	require.NoError(t, service.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventUnitGenerated,
		Payload: map[string]interface{}{"job_id": "job-1"},
	}))
	require.Equal(t, int64(3), atomic.LoadInt64(&count))
}

func TestPublishSyncSurfacesHandlerErrors(t *testing.T) {
	service := NewService(common.GetLogger())

	require.NoError(t, service.Subscribe(interfaces.EventUnitGenerated, func(ctx context.Context, event interfaces.Event) error {
		return errors.New("handler broke")
	}))
	require.NoError(t, service.Subscribe(interfaces.EventUnitGenerated, func(ctx context.Context, event interfaces.Event) error {
		return nil
	}))

	err := service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventUnitGenerated})
	require.Error(t, err)
}

func TestPublishIsAsynchronous(t *testing.T) {
	service := NewService(common.GetLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, service.Subscribe(interfaces.EventAssemblyStart, func(ctx context.Context, event interfaces.Event) error {
		defer wg.Done()
		return nil
	}))

	require.NoError(t, service.Publish(context.Background(), interfaces.Event{Type: interfaces.EventAssemblyStart}))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestPublishWithNoSubscribersIsNoOp(t *testing.T) {
	service := NewService(common.GetLogger())
	require.NoError(t, service.Publish(context.Background(), interfaces.Event{Type: interfaces.EventScoringStart}))
	require.NoError(t, service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventScoringStart}))
}

func TestPayloadHelpers(t *testing.T) {
	payload := map[string]interface{}{
		"job_id":  "job-1",
		"unit_id": float64(4),
		"success": true,
	}

	require.Equal(t, "job-1", interfaces.PayloadString(payload, "job_id"))
	require.Equal(t, "", interfaces.PayloadString(payload, "missing"))

	id, ok := interfaces.PayloadInt(payload, "unit_id")
	require.True(t, ok)
	require.Equal(t, 4, id)
	_, ok = interfaces.PayloadInt(payload, "missing")
	require.False(t, ok)

	success, ok := interfaces.PayloadBool(payload, "success")
	require.True(t, ok)
	require.True(t, success)

	require.Nil(t, interfaces.PayloadMap(interfaces.Event{Payload: "not a map"}))
	require.NotNil(t, interfaces.PayloadMap(interfaces.Event{Payload: payload}))
}
