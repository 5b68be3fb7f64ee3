package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTTL() TTL {
	return TTL{
		Subscriptions:  time.Hour,
		Packets:        time.Hour,
		CheckFrequency: time.Hour,
	}
}

func TestRetainedRoundTrip(t *testing.T) {
	s := NewMem(testTTL())
	defer s.Close()

	require.NoError(t, s.StoreRetained(Packet{Topic: "home/temp", Payload: []byte("21")}))

	got, err := s.LookupRetained("home/#")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "home/temp", got[0].Topic)
	assert.Equal(t, []byte("21"), got[0].Payload)
}

func TestRetainedEmptyPayloadClears(t *testing.T) {
	s := NewMem(testTTL())
	defer s.Close()

	require.NoError(t, s.StoreRetained(Packet{Topic: "home/temp", Payload: []byte("21")}))
	require.NoError(t, s.StoreRetained(Packet{Topic: "home/temp", Payload: nil}))

	got, err := s.LookupRetained("home/#")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDurableSubscriptionRoundTrip(t *testing.T) {
	s := NewMem(testTTL())
	defer s.Close()

	session := SessionView{ClientID: "alice", Clean: false, Subscriptions: map[string]uint8{"a/+/c": 1}}
	require.NoError(t, s.StoreSubscriptions(session))

	got, err := s.LookupSubscriptions(SessionView{ClientID: "alice", Clean: false})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint8{"a/+/c": 1}, got)
}

func TestQoS0SubscriptionsAreNotPersisted(t *testing.T) {
	s := NewMem(testTTL())
	defer s.Close()

	session := SessionView{ClientID: "alice", Clean: false, Subscriptions: map[string]uint8{"a/b": 0, "c/d": 1}}
	require.NoError(t, s.StoreSubscriptions(session))

	got, err := s.LookupSubscriptions(SessionView{ClientID: "alice", Clean: false})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint8{"c/d": 1}, got)
}

// TestCleanSessionWipesEverything asserts spec.md invariant 3: after
// lookupSubscriptions with clean=true, no subscription row, client record,
// or offline packet survives for that client.
func TestCleanSessionWipesEverything(t *testing.T) {
	s := NewMem(testTTL())
	defer s.Close()

	session := SessionView{ClientID: "alice", Clean: false, Subscriptions: map[string]uint8{"a/b": 1}}
	require.NoError(t, s.StoreSubscriptions(session))
	require.NoError(t, s.StoreOfflinePacket(Packet{Topic: "a/b", Payload: []byte("x")}))

	got, err := s.LookupSubscriptions(SessionView{ClientID: "alice", Clean: true})
	require.NoError(t, err)
	assert.Empty(t, got)

	s.mu.Lock()
	_, hasClient := s.clients["alice"]
	_, hasSub := s.subs["a/b:alice"]
	offlineCount := 0
	for k := range s.offline {
		if hasStringPrefix(k, "alice:") {
			offlineCount++
		}
	}
	s.mu.Unlock()

	assert.False(t, hasClient)
	assert.False(t, hasSub)
	assert.Zero(t, offlineCount)
	assert.Empty(t, s.matcher.Match("a/b"))
}

// TestOfflinePacketDeliveredOnReconnect covers S1: a durable subscriber
// offline when a message publishes gets exactly one offline copy, drained
// on reconnect.
func TestOfflinePacketDeliveredOnReconnect(t *testing.T) {
	s := NewMem(testTTL())
	defer s.Close()

	require.NoError(t, s.StoreSubscriptions(SessionView{
		ClientID: "alice", Clean: false, Subscriptions: map[string]uint8{"a/+/c": 1},
	}))

	require.NoError(t, s.StoreOfflinePacket(Packet{Topic: "a/b/c", Payload: []byte("x"), QoS: 1}))

	ch, err := s.StreamOfflinePackets(SessionView{ClientID: "alice", Clean: false})
	require.NoError(t, err)

	var got []Packet
	for pkt := range ch {
		got = append(got, pkt)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "a/b/c", got[0].Topic)

	// Draining is destructive: a second stream yields nothing.
	ch2, err := s.StreamOfflinePackets(SessionView{ClientID: "alice", Clean: false})
	require.NoError(t, err)
	_, ok := <-ch2
	assert.False(t, ok)
}

func TestOfflinePacketOnlyForMatchingDurableSubscribers(t *testing.T) {
	s := NewMem(testTTL())
	defer s.Close()

	require.NoError(t, s.StoreOfflinePacket(Packet{Topic: "a/b/c", Payload: []byte("x")}))

	ch, err := s.StreamOfflinePackets(SessionView{ClientID: "nobody", Clean: false})
	require.NoError(t, err)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestTTLSweepExpiresSubscriptions(t *testing.T) {
	s := NewMem(TTL{Subscriptions: time.Millisecond, Packets: time.Millisecond, CheckFrequency: time.Hour})
	defer s.Close()

	require.NoError(t, s.StoreSubscriptions(SessionView{
		ClientID: "alice", Clean: false, Subscriptions: map[string]uint8{"a/b": 1},
	}))

	time.Sleep(5 * time.Millisecond)
	s.sweep()

	got, err := s.LookupSubscriptions(SessionView{ClientID: "alice", Clean: false})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, s.matcher.Match("a/b"))
}
