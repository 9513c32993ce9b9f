package reportpipe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iotile/coretools/pkg/model"
)

func TestDemux_DispatchDeliversToMatchingSubscriber(t *testing.T) {
	d := NewDemux(context.Background(), nil)
	key := Key{DeviceID: 1, Selector: 5}

	var mu sync.Mutex
	var received []model.Report
	done := make(chan struct{}, 1)

	unsub, err := d.Subscribe(key, 0, func(_ context.Context, r model.Report) error {
		mu.Lock()
		received = append(received, r)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	report := model.IndividualReport{DeviceID: 1, Reading: model.Reading{StreamID: 5}}
	d.Dispatch(key, report)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the report")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, model.DeviceIdentifier(1), received[0].DeviceIdentifier())
}

func TestDemux_DispatchIgnoresUnrelatedKey(t *testing.T) {
	d := NewDemux(context.Background(), nil)
	key := Key{DeviceID: 1, Selector: 5}
	other := Key{DeviceID: 2, Selector: 5}

	called := make(chan struct{}, 1)
	unsub, err := d.Subscribe(key, 0, func(_ context.Context, _ model.Report) error {
		called <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	d.Dispatch(other, model.IndividualReport{DeviceID: 2})

	select {
	case <-called:
		t.Fatal("subscriber for unrelated key should not be invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDemux_UnsubscribeStopsDelivery(t *testing.T) {
	d := NewDemux(context.Background(), nil)
	key := Key{DeviceID: 1, Selector: 5}

	called := make(chan struct{}, 1)
	unsub, err := d.Subscribe(key, 0, func(_ context.Context, _ model.Report) error {
		called <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	unsub()

	d.Dispatch(key, model.IndividualReport{DeviceID: 1})

	select {
	case <-called:
		t.Fatal("unsubscribed subscriber should not be invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDemux_DroppedTotalReflectsFullQueue(t *testing.T) {
	d := NewDemux(context.Background(), nil)
	key := Key{DeviceID: 1, Selector: 5}

	block := make(chan struct{})
	taken := make(chan struct{}, 1)
	unsub, err := d.Subscribe(key, 1, func(_ context.Context, _ model.Report) error {
		select {
		case taken <- struct{}{}:
		default:
		}
		<-block
		return nil
	})
	require.NoError(t, err)
	defer func() {
		close(block)
		unsub()
	}()

	report := model.IndividualReport{DeviceID: 1}
	d.Dispatch(key, report) // taken by the worker, blocks on <-block
	<-taken
	d.Dispatch(key, report) // fills the 1-slot queue
	d.Dispatch(key, report) // dropped

	require.Eventually(t, func() bool {
		return d.DroppedTotal(key) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDemux_IndependentSubscribersDoNotBlockEachOther(t *testing.T) {
	d := NewDemux(context.Background(), nil)
	key := Key{DeviceID: 1, Selector: 5}

	block := make(chan struct{})
	fast := make(chan struct{}, 1)

	unsubSlow, err := d.Subscribe(key, 1, func(_ context.Context, _ model.Report) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	defer func() {
		close(block)
		unsubSlow()
	}()

	unsubFast, err := d.Subscribe(key, 1, func(_ context.Context, _ model.Report) error {
		fast <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	defer unsubFast()

	d.Dispatch(key, model.IndividualReport{DeviceID: 1})

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber was blocked by the slow one")
	}
}
