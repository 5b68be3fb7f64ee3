package broker

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mistbroker/mist/internal/bus"
	pkt "github.com/mistbroker/mist/internal/packet"
	"github.com/mistbroker/mist/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test harness: a Broker wired to MemStore/Memory, with every client
// "connection" a net.Pipe whose server half is handed to HandleConn and
// whose client half the test drives directly with hand-encoded frames.
// Grounded on hungnv038-broker's broker_spec.go Spec() runner, adapted to
// drive the wire protocol directly instead of through an MQTT client
// library the corpus doesn't carry.

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	return newTestBrokerWithHooks(t, nil)
}

// newTestBrokerWithHooks is newTestBroker with injectable AuthHooks, for
// scenarios that need a non-default-allow Authenticate/AuthorizePublish/
// AuthorizeSubscribe outcome.
func newTestBrokerWithHooks(t *testing.T, hooks AuthHooks) *Broker {
	t.Helper()
	mem := store.NewMem(store.TTL{Subscriptions: time.Hour, Packets: time.Hour, CheckFrequency: time.Hour})
	t.Cleanup(func() { mem.Close() })

	b := New(Config{
		Store:            mem,
		Bus:              bus.NewMemory(mem),
		BaseRetryTimeout: 20 * time.Millisecond,
		Hooks:            hooks,
	})
	return b
}

// denyPublishHooks authenticates and authorizes subscriptions normally but
// denies every PUBLISH, for exercising the AuthorizePublish-deny path.
type denyPublishHooks struct{}

func (denyPublishHooks) Authenticate(clientID, username, password string) (bool, error) {
	return true, nil
}
func (denyPublishHooks) AuthorizePublish(clientID, topic string, payload []byte) (bool, error) {
	return false, nil
}
func (denyPublishHooks) AuthorizeSubscribe(clientID, filter string) (bool, error) {
	return true, nil
}

func dialClient(t *testing.T, b *Broker) (net.Conn, *bufio.Reader) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go b.HandleConn(serverSide)
	t.Cleanup(func() { clientSide.Close() })
	return clientSide, bufio.NewReader(clientSide)
}

// readFrame reads one MQTT frame (fixed header + remaining length + body),
// mirroring Conn.readPacket's framing on the client side of the pipe.
func readFrame(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	first, err := r.ReadByte()
	require.NoError(t, err)

	var remLen, offset int
	multiplier := 1
	buf := []byte{first}
	for {
		b, err := r.ReadByte()
		require.NoError(t, err)
		buf = append(buf, b)
		remLen += int(b&0x7F) * multiplier
		multiplier *= 128
		offset++
		if b&0x80 == 0 {
			break
		}
	}
	body := make([]byte, remLen)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return append(buf, body...)
}

func encodeConnect(clientID string, clean bool, keepAlive uint16) []byte {
	var vh []byte
	vh = binary.BigEndian.AppendUint16(vh, 4)
	vh = append(vh, "MQTT"...)
	vh = append(vh, 4) // protocol level

	flags := byte(0)
	if clean {
		flags |= 0x02
	}
	vh = append(vh, flags)
	vh = binary.BigEndian.AppendUint16(vh, keepAlive)

	var payload []byte
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(clientID)))
	payload = append(payload, clientID...)

	remaining := len(vh) + len(payload)
	out := []byte{byte(pkt.CONNECT)}
	out = appendRemainingLength(out, remaining)
	out = append(out, vh...)
	out = append(out, payload...)
	return out
}

func encodeConnectWithWill(clientID string, clean bool, willTopic, willMessage string, willQoS byte, willRetain bool) []byte {
	var vh []byte
	vh = binary.BigEndian.AppendUint16(vh, 4)
	vh = append(vh, "MQTT"...)
	vh = append(vh, 4)

	flags := byte(0x04) // will flag
	flags |= willQoS << 3
	if willRetain {
		flags |= 0x20
	}
	if clean {
		flags |= 0x02
	}
	vh = append(vh, flags)
	vh = binary.BigEndian.AppendUint16(vh, 30)

	var payload []byte
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(clientID)))
	payload = append(payload, clientID...)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(willTopic)))
	payload = append(payload, willTopic...)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(willMessage)))
	payload = append(payload, willMessage...)

	remaining := len(vh) + len(payload)
	out := []byte{byte(pkt.CONNECT)}
	out = appendRemainingLength(out, remaining)
	out = append(out, vh...)
	out = append(out, payload...)
	return out
}

func encodeSubscribe(packetID uint16, filters ...pkt.SubscribeFilter) []byte {
	var vh []byte
	vh = binary.BigEndian.AppendUint16(vh, packetID)

	var payload []byte
	for _, f := range filters {
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(f.Topic)))
		payload = append(payload, f.Topic...)
		payload = append(payload, byte(f.QoS))
	}

	remaining := len(vh) + len(payload)
	out := []byte{byte(pkt.SUBSCRIBE) | 0x02}
	out = appendRemainingLength(out, remaining)
	out = append(out, vh...)
	out = append(out, payload...)
	return out
}

func encodeUnsubscribe(packetID uint16, filters ...string) []byte {
	var vh []byte
	vh = binary.BigEndian.AppendUint16(vh, packetID)

	var payload []byte
	for _, f := range filters {
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(f)))
		payload = append(payload, f...)
	}

	remaining := len(vh) + len(payload)
	out := []byte{byte(pkt.UNSUBSCRIBE) | 0x02}
	out = appendRemainingLength(out, remaining)
	out = append(out, vh...)
	out = append(out, payload...)
	return out
}

func encodeDisconnect() []byte {
	return []byte{byte(pkt.DISCONNECT), 0x00}
}

func encodePingreq() []byte {
	return []byte{byte(pkt.PINGREQ), 0x00}
}

func appendRemainingLength(out []byte, length int) []byte {
	for {
		b := byte(length % 128)
		length /= 128
		if length > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if length == 0 {
			break
		}
	}
	return out
}

func decodeConnAck(t *testing.T, raw []byte) (sessionPresent bool, returnCode byte) {
	t.Helper()
	require.Len(t, raw, 4)
	require.Equal(t, byte(pkt.CONNACK), raw[0])
	return raw[2]&0x01 != 0, raw[3]
}

func mustConnect(t *testing.T, r *bufio.Reader, w net.Conn, clientID string, clean bool) (sessionPresent bool) {
	t.Helper()
	_, err := w.Write(encodeConnect(clientID, clean, 60))
	require.NoError(t, err)
	present, code := decodeConnAck(t, readFrame(t, r))
	require.Equal(t, byte(pkt.ConnectionAccepted), code)
	return present
}

func TestConnectAccepted(t *testing.T) {
	b := newTestBroker(t)
	client, r := dialClient(t, b)

	present := mustConnect(t, r, client, "client-a", true)
	assert.False(t, present)
	assert.Equal(t, 1, b.ConnectedClients())
}

func TestPublishSubscribeQoS0(t *testing.T) {
	b := newTestBroker(t)

	sub, subR := dialClient(t, b)
	mustConnect(t, subR, sub, "subscriber", true)

	_, err := sub.Write(encodeSubscribe(1, pkt.SubscribeFilter{Topic: "sensors/temp", QoS: pkt.QoSAtMostOnce}))
	require.NoError(t, err)
	suback := readFrame(t, subR)
	sp := &pkt.SubackPacket{}
	require.NoError(t, sp.Parse(suback))
	assert.Equal(t, []byte{pkt.SubackMaxQoS0}, sp.ReturnCodes)

	pubConn, pubR := dialClient(t, b)
	mustConnect(t, pubR, pubConn, "publisher", true)

	pp := &pkt.PublishPacket{Topic: "sensors/temp", Payload: []byte("21.5"), QoS: pkt.QoSAtMostOnce}
	_, err = pubConn.Write(pp.Encode())
	require.NoError(t, err)

	delivered := readFrame(t, subR)
	got := &pkt.PublishPacket{}
	require.NoError(t, got.Parse(delivered))
	assert.Equal(t, "sensors/temp", got.Topic)
	assert.Equal(t, []byte("21.5"), got.Payload)
	assert.False(t, got.Retain)
}

func TestPublishSubscribeQoS1Redelivery(t *testing.T) {
	b := newTestBroker(t)

	sub, subR := dialClient(t, b)
	mustConnect(t, subR, sub, "subscriber", true)

	_, err := sub.Write(encodeSubscribe(1, pkt.SubscribeFilter{Topic: "a/b", QoS: pkt.QoSAtLeastOnce}))
	require.NoError(t, err)
	readFrame(t, subR) // suback

	pubConn, pubR := dialClient(t, b)
	mustConnect(t, pubR, pubConn, "publisher", true)

	pid := uint16(7)
	pp := &pkt.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: pkt.QoSAtLeastOnce, PacketID: &pid}
	_, err = pubConn.Write(pp.Encode())
	require.NoError(t, err)

	// the bus fans out to the subscriber before the publisher is acked.
	first := readFrame(t, subR)
	gp := &pkt.PublishPacket{}
	require.NoError(t, gp.Parse(first))
	assert.False(t, gp.DUP)
	readFrame(t, pubR) // puback to publisher

	// no PUBACK sent back: the broker must retransmit with DUP set.
	second := readFrame(t, subR)
	gp2 := &pkt.PublishPacket{}
	require.NoError(t, gp2.Parse(second))
	assert.True(t, gp2.DUP)
	assert.Equal(t, *gp.PacketID, *gp2.PacketID)

	_, err = sub.Write(pkt.NewPubAck(*gp2.PacketID))
	require.NoError(t, err)
}

func TestRetainedMessageDeliveredOnSubscribe(t *testing.T) {
	b := newTestBroker(t)

	pubConn, pubR := dialClient(t, b)
	mustConnect(t, pubR, pubConn, "publisher", true)

	pp := &pkt.PublishPacket{Topic: "home/lounge", Payload: []byte("on"), QoS: pkt.QoSAtMostOnce, Retain: true}
	_, err := pubConn.Write(pp.Encode())
	require.NoError(t, err)

	sub, subR := dialClient(t, b)
	mustConnect(t, subR, sub, "late-subscriber", true)

	_, err = sub.Write(encodeSubscribe(1, pkt.SubscribeFilter{Topic: "home/+", QoS: pkt.QoSAtMostOnce}))
	require.NoError(t, err)

	// retained matches are written before the SUBACK.
	delivered := readFrame(t, subR)
	got := &pkt.PublishPacket{}
	require.NoError(t, got.Parse(delivered))
	assert.Equal(t, "home/lounge", got.Topic)
	assert.True(t, got.Retain)
	readFrame(t, subR) // suback
}

func TestDuplicateSubscribeUpdatesQoSInPlace(t *testing.T) {
	b := newTestBroker(t)

	client, r := dialClient(t, b)
	mustConnect(t, r, client, "client-dup", true)

	_, err := client.Write(encodeSubscribe(1, pkt.SubscribeFilter{Topic: "x/y", QoS: pkt.QoSAtMostOnce}))
	require.NoError(t, err)
	readFrame(t, r)

	before := b.ClientSubscriptions("client-dup")
	require.Equal(t, uint8(0), before["x/y"])

	_, err = client.Write(encodeSubscribe(2, pkt.SubscribeFilter{Topic: "x/y", QoS: pkt.QoSAtLeastOnce}))
	require.NoError(t, err)
	readFrame(t, r)

	after := b.ClientSubscriptions("client-dup")
	assert.Equal(t, uint8(1), after["x/y"])
	assert.Equal(t, 1, b.SubscriptionCount())
}

func TestUnsubscribeRemovesSubscription(t *testing.T) {
	b := newTestBroker(t)

	sub, subR := dialClient(t, b)
	mustConnect(t, subR, sub, "subscriber", true)

	_, err := sub.Write(encodeSubscribe(1, pkt.SubscribeFilter{Topic: "a/#", QoS: pkt.QoSAtMostOnce}))
	require.NoError(t, err)
	readFrame(t, subR)

	_, err = sub.Write(encodeUnsubscribe(2, "a/#"))
	require.NoError(t, err)
	unsuback := readFrame(t, subR)
	up := &pkt.UnsubackPacket{}
	require.NoError(t, up.Parse(unsuback))
	assert.Equal(t, uint16(2), up.PacketID)
	assert.Equal(t, 0, b.SubscriptionCount())
}

func TestWillPublishedOnAbruptDisconnect(t *testing.T) {
	b := newTestBroker(t)

	sub, subR := dialClient(t, b)
	mustConnect(t, subR, sub, "watcher", true)
	_, err := sub.Write(encodeSubscribe(1, pkt.SubscribeFilter{Topic: "status/doomed", QoS: pkt.QoSAtMostOnce}))
	require.NoError(t, err)
	readFrame(t, subR)

	willConn, willR := dialClient(t, b)
	_, err = willConn.Write(encodeConnectWithWill("doomed2", true, "status/doomed", "offline", 0, false))
	require.NoError(t, err)
	present, code := decodeConnAck(t, readFrame(t, willR))
	require.False(t, present)
	require.Equal(t, byte(pkt.ConnectionAccepted), code)

	willConn.Close()

	delivered := readFrame(t, subR)
	got := &pkt.PublishPacket{}
	require.NoError(t, got.Parse(delivered))
	assert.Equal(t, "status/doomed", got.Topic)
	assert.Equal(t, []byte("offline"), got.Payload)
}

func TestWillNotPublishedOnCleanDisconnect(t *testing.T) {
	b := newTestBroker(t)

	sub, subR := dialClient(t, b)
	mustConnect(t, subR, sub, "watcher2", true)
	_, err := sub.Write(encodeSubscribe(1, pkt.SubscribeFilter{Topic: "status/clean", QoS: pkt.QoSAtMostOnce}))
	require.NoError(t, err)
	readFrame(t, subR)

	willConn, willR := dialClient(t, b)
	_, err = willConn.Write(encodeConnectWithWill("clean-client", true, "status/clean", "offline", 0, false))
	require.NoError(t, err)
	decodeConnAck(t, readFrame(t, willR))

	_, err = willConn.Write(encodeDisconnect())
	require.NoError(t, err)

	// give the broker time to run teardown; no PUBLISH should ever arrive.
	willConn.Close()
	sub.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = subR.ReadByte()
	assert.Error(t, err, "expected no will to be delivered after a clean DISCONNECT")
}

func TestSessionResumptionReplaysOfflinePackets(t *testing.T) {
	b := newTestBroker(t)

	first, firstR := dialClient(t, b)
	mustConnect(t, firstR, first, "resumer", false)
	_, err := first.Write(encodeSubscribe(1, pkt.SubscribeFilter{Topic: "queued/topic", QoS: pkt.QoSAtLeastOnce}))
	require.NoError(t, err)
	readFrame(t, firstR)
	_, err = first.Write(encodeDisconnect())
	require.NoError(t, err)
	first.Close()

	pubConn, pubR := dialClient(t, b)
	mustConnect(t, pubR, pubConn, "publisher2", true)
	pp := &pkt.PublishPacket{Topic: "queued/topic", Payload: []byte("queued"), QoS: pkt.QoSAtMostOnce}
	_, err = pubConn.Write(pp.Encode())
	require.NoError(t, err)

	second, secondR := dialClient(t, b)
	present := mustConnect(t, secondR, second, "resumer", false)
	assert.True(t, present)

	delivered := readFrame(t, secondR)
	got := &pkt.PublishPacket{}
	require.NoError(t, got.Parse(delivered))
	assert.Equal(t, "queued/topic", got.Topic)
	assert.Equal(t, []byte("queued"), got.Payload)
}

func TestUniqueClientIDDisplacesPrior(t *testing.T) {
	b := newTestBroker(t)

	first, firstR := dialClient(t, b)
	mustConnect(t, firstR, first, "same-id", true)
	assert.Equal(t, 1, b.ConnectedClients())

	second, secondR := dialClient(t, b)
	mustConnect(t, secondR, second, "same-id", true)

	first.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := firstR.ReadByte()
	assert.Error(t, err, "prior connection for the same client id should be closed")
	assert.Equal(t, 1, b.ConnectedClients())
}

func TestPingreqGetsPingresp(t *testing.T) {
	b := newTestBroker(t)
	client, r := dialClient(t, b)
	mustConnect(t, r, client, "pinger", true)

	_, err := client.Write(encodePingreq())
	require.NoError(t, err)
	resp := readFrame(t, r)
	assert.Equal(t, []byte{0xD0, 0x00}, resp)
}

// TestKeepaliveExpiryClosesConnection covers scenario S4: a client that
// stops sending packets entirely must have its connection closed once the
// keepAlive*1.5s deadline (conn.go's rearmKeepalive) elapses.
func TestKeepaliveExpiryClosesConnection(t *testing.T) {
	b := newTestBroker(t)
	client, r := dialClient(t, b)

	_, err := client.Write(encodeConnect("keepalive-client", true, 1))
	require.NoError(t, err)
	present, code := decodeConnAck(t, readFrame(t, r))
	assert.False(t, present)
	assert.Equal(t, byte(pkt.ConnectionAccepted), code)

	// keepAlive=1s means a 1.5s deadline; no further packets are sent.
	client.SetReadDeadline(time.Now().Add(2500 * time.Millisecond))
	_, err = r.ReadByte()
	assert.Error(t, err, "expected the connection to be closed after the keepalive deadline")
}

// TestAuthorizePublishDenyUnsubscribesAllAndCloses covers scenario S6: on
// AuthorizePublish deny, the server must unsubscribe all of that client's
// subscriptions and close its socket, mirroring AuthorizeSubscribe's deny
// handling.
func TestAuthorizePublishDenyUnsubscribesAllAndCloses(t *testing.T) {
	b := newTestBrokerWithHooks(t, denyPublishHooks{})

	client, r := dialClient(t, b)
	mustConnect(t, r, client, "denied-publisher", true)

	_, err := client.Write(encodeSubscribe(1, pkt.SubscribeFilter{Topic: "x/y", QoS: pkt.QoSAtMostOnce}))
	require.NoError(t, err)
	readFrame(t, r) // suback
	require.Equal(t, 1, b.SubscriptionCount())

	pp := &pkt.PublishPacket{Topic: "x/y", Payload: []byte("data"), QoS: pkt.QoSAtMostOnce}
	_, err = client.Write(pp.Encode())
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = r.ReadByte()
	assert.Error(t, err, "expected the server to close the connection on AuthorizePublish deny")
	assert.Equal(t, 0, b.SubscriptionCount())
}
