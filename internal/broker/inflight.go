package broker

import (
	"time"

	"github.com/mistbroker/mist/internal/logger"
	"github.com/mistbroker/mist/internal/packet"
)

// maxDeliveryAttempts bounds QoS 1 retransmission. After the final retry
// goes unacknowledged the message is dropped and a DeliveryExhausted
// warning is logged — spec.md §5 names no redelivery ceiling explicitly
// but requires one so a vanished client can't retain a timer forever.
const maxDeliveryAttempts = 10

// inflightMessage tracks one broker-originated QoS 1 PUBLISH awaiting a
// PUBACK. Each lives on its own timer rather than under a shared ticker
// (qos.go's original QoSManager design) because every Conn already owns
// exactly its own inflight set — a separate manager type would just add
// indirection for no new capability.
type inflightMessage struct {
	Topic   string
	Payload []byte
	Retain  bool
	Attempt int
	timer   *time.Timer
}

// backoff returns the exponential delay before attempt's retransmission:
// base * 2^(attempt-1), so the first retry waits exactly base.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// scheduleDelivery sends a fresh QoS 1 PUBLISH and arms its first retry
// timer. Call with c.mu held.
func (c *Conn) scheduleDelivery(packetID uint16, topicName string, payload []byte, retain bool) {
	im := &inflightMessage{Topic: topicName, Payload: payload, Retain: retain, Attempt: 1}
	c.session.Inflight[packetID] = im

	pid := packetID
	pp := &packet.PublishPacket{
		Topic:    topicName,
		Payload:  payload,
		QoS:      packet.QoSAtLeastOnce,
		Retain:   retain,
		PacketID: &pid,
	}
	c.writeLocked(pp.Encode())
	c.broker.log.LogQoSFlow(c.session.ClientID, packetID, int(packet.QoSAtLeastOnce), "PUBLISH_SENT")
	im.timer = time.AfterFunc(backoff(c.broker.BaseRetryTimeout, im.Attempt), func() {
		c.retransmit(pid)
	})
}

// retransmit resends an unacknowledged PUBLISH with DUP set, or drops it
// once maxDeliveryAttempts is exceeded.
func (c *Conn) retransmit(packetID uint16) {
	c.mu.Lock()
	im, ok := c.session.Inflight[packetID]
	if !ok {
		c.mu.Unlock()
		return
	}

	im.Attempt++
	if im.Attempt > maxDeliveryAttempts {
		clientID := c.session.ClientID
		delete(c.session.Inflight, packetID)
		c.mu.Unlock()
		c.broker.log.Warn("delivery exhausted",
			logger.ClientID(clientID), logger.Int("packet_id", int(packetID)))
		return
	}

	pid := packetID
	pp := &packet.PublishPacket{
		Topic:    im.Topic,
		Payload:  im.Payload,
		QoS:      packet.QoSAtLeastOnce,
		Retain:   im.Retain,
		DUP:      true,
		PacketID: &pid,
	}
	im.timer = time.AfterFunc(backoff(c.broker.BaseRetryTimeout, im.Attempt), func() {
		c.retransmit(pid)
	})
	c.writeLocked(pp.Encode())
	c.broker.log.LogQoSFlow(c.session.ClientID, packetID, int(packet.QoSAtLeastOnce), "PUBLISH_RETRIED")
	c.mu.Unlock()
}

// acknowledge cancels and removes the inflight entry for a PUBACK'd
// packet id. An unknown packet id is logged and otherwise ignored.
func (c *Conn) acknowledge(packetID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	im, ok := c.session.Inflight[packetID]
	if !ok {
		c.broker.log.Warn("puback for unknown packet id",
			logger.ClientID(c.session.ClientID), logger.Int("packet_id", int(packetID)))
		return
	}
	im.timer.Stop()
	delete(c.session.Inflight, packetID)
	c.broker.log.LogQoSFlow(c.session.ClientID, packetID, int(packet.QoSAtLeastOnce), "PUBACK_RECEIVED")
}

// cancelAllInflight stops every pending retry timer, called when a
// connection closes so its goroutine-less timers don't keep firing.
func (c *Conn) cancelAllInflight() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return
	}
	for id, im := range c.session.Inflight {
		im.timer.Stop()
		delete(c.session.Inflight, id)
	}
}
