package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spatial-NVR/SpatialRTLS/internal/events"
)

func startRealTime(t *testing.T, controlURL string) (*RealTime, string) {
	t.Helper()
	rt := NewRealTime(fastServer(true), fastSession(controlURL), nil, nil)
	ts := httptest.NewServer(rt.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})
	return rt, wsURL(ts)
}

func TestRealTimeRelaysSubscribedFrames(t *testing.T) {
	control, controlURL := startServer(t, fastServer(true), nil)
	rt, url := startRealTime(t, controlURL)

	require.Eventually(t, func() bool { return rt.UpstreamState() == Streaming }, 2*time.Second, 10*time.Millisecond)
	subs := control.Subscriptions()
	require.Len(t, subs, 1)
	assert.True(t, subs[0].All)

	consumer := dial(t, url)
	consumer.beginStream([]StreamParam{{ID: "T1", Data: "true"}}, 0)

	control.Inject(events.PositionSample{DeviceID: "T2", Timestamp: frameTime})
	control.Inject(testSample())

	var gis GISData
	require.NoError(t, json.Unmarshal(consumer.next(TypeGISData), &gis))
	assert.Equal(t, "T1", gis.ID)

	control.PublishTriggerEvent(events.TriggerEvent{
		TriggerID:   7,
		TriggerName: "dock",
		TagID:       "T1",
		ZoneID:      3,
		Direction:   "OnEnter",
		Timestamp:   frameTime,
	})
	var ev events.TriggerEvent
	require.NoError(t, json.Unmarshal(consumer.next(events.TypeTriggerEvent), &ev))
	assert.Equal(t, int64(7), ev.TriggerID)
	assert.Equal(t, "T1", ev.TagID)
}

func TestRealTimeIgnoresConsumerSamples(t *testing.T) {
	sink := &sampleSink{}
	_, controlURL := startServer(t, fastServer(true), sink.hook)
	rt, url := startRealTime(t, controlURL)
	require.Eventually(t, func() bool { return rt.UpstreamState() == Streaming }, 2*time.Second, 10*time.Millisecond)

	consumer := dial(t, url)
	consumer.beginStream(nil, 0)
	consumer.send(GISFromSample(testSample()))
	consumer.send(NewEndStream("end"))
	assert.Equal(t, ResponseEndStream, consumer.response().Request)

	assert.Empty(t, sink.devices())
	assert.Equal(t, 1, rt.Server().PeerCount())
}

func TestRealTimeDisconnectsConsumersOnStop(t *testing.T) {
	_, controlURL := startServer(t, fastServer(true), nil)
	rt := NewRealTime(fastServer(false), fastSession(controlURL), nil, nil)
	ts := httptest.NewServer(rt.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.Run(ctx)
	}()
	require.Eventually(t, func() bool { return rt.UpstreamState() == Streaming }, 2*time.Second, 10*time.Millisecond)

	consumer := dial(t, wsURL(ts))
	consumer.beginStream(nil, 0)

	cancel()
	<-done
	assert.True(t, consumer.closed())
	assert.Equal(t, 0, rt.Server().PeerCount())
}
