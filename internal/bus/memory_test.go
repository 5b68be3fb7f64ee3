package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistbroker/mist/internal/store"
	"github.com/mistbroker/mist/pkg/er"
)

type fakeSink struct {
	packets []store.Packet
}

func (f *fakeSink) StoreOfflinePacket(pkt store.Packet) error {
	f.packets = append(f.packets, pkt)
	return nil
}

func TestMemoryPublishDispatchesToMatchingSubscribers(t *testing.T) {
	m := NewMemory(nil)

	var got []string
	_, err := m.Subscribe("a/+/c", func(topic string, payload []byte, opts PublishOpts) {
		got = append(got, topic)
	})
	require.NoError(t, err)

	require.NoError(t, m.Publish(context.Background(), "a/b/c", []byte("x"), PublishOpts{QoS: 1}))
	require.NoError(t, m.Publish(context.Background(), "a/b/d", []byte("y"), PublishOpts{QoS: 1}))

	assert.Equal(t, []string{"a/b/c"}, got)
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory(nil)

	calls := 0
	token, err := m.Subscribe("a/b", func(topic string, payload []byte, opts PublishOpts) { calls++ })
	require.NoError(t, err)

	require.NoError(t, m.Publish(context.Background(), "a/b", nil, PublishOpts{}))
	require.NoError(t, m.Unsubscribe(token))
	require.NoError(t, m.Publish(context.Background(), "a/b", nil, PublishOpts{}))

	assert.Equal(t, 1, calls)
}

func TestMemoryPublishFeedsOfflineSinkRegardlessOfLiveSubscribers(t *testing.T) {
	sink := &fakeSink{}
	m := NewMemory(sink)

	require.NoError(t, m.Publish(context.Background(), "a/b", []byte("x"), PublishOpts{QoS: 1}))

	require.Len(t, sink.packets, 1)
	assert.Equal(t, "a/b", sink.packets[0].Topic)
}

func TestMemoryPublishAfterCloseErrors(t *testing.T) {
	m := NewMemory(nil)
	require.NoError(t, m.Close())

	err := m.Publish(context.Background(), "a/b", nil, PublishOpts{})
	assert.ErrorIs(t, err, er.ErrBusClosed)
}
