package broker

import (
	"context"

	"github.com/mistbroker/mist/internal/bus"
	"github.com/mistbroker/mist/internal/logger"
	pkt "github.com/mistbroker/mist/internal/packet"
	"github.com/mistbroker/mist/internal/store"
)

func min8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

func willOpts(w *Will) bus.PublishOpts {
	return bus.PublishOpts{QoS: w.QoS, Retain: w.Retain}
}

// handleConnect runs the CONNECT step of spec.md §4.4: authenticate,
// resolve clean-vs-resumed session state against the store, register in
// the broker (displacing any live connection for the same client id), and
// reply with CONNACK. It returns false if the connection should close.
func (c *Conn) handleConnect(cp *pkt.ConnectPacket) bool {
	if cp.UsernameFlag {
		username := ""
		password := ""
		if cp.Username != nil {
			username = *cp.Username
		}
		if cp.Password != nil {
			password = *cp.Password
		}

		ok, err := c.broker.Hooks.Authenticate(cp.ClientID, username, password)
		if err != nil {
			c.broker.log.LogAuth(cp.ClientID, username, false, err.Error())
			c.writeLocked(pkt.NewConnAck(false, pkt.ServerUnavailable))
			return false
		}
		if !ok {
			c.broker.log.LogAuth(cp.ClientID, username, false, "rejected by Authenticate hook")
			c.writeLocked(pkt.NewConnAck(false, pkt.NotAuthorized))
			return false
		}
		c.broker.log.LogAuth(cp.ClientID, username, true, "")
	}

	session := newSession(cp.ClientID, cp.CleanSession, cp.KeepAlive)
	session.Conn = c.conn
	if cp.WillFlag {
		session.Will = &Will{
			Topic:   derefOr(cp.WillTopic, ""),
			Payload: []byte(derefOr(cp.WillMessage, "")),
			QoS:     uint8(cp.WillQoS),
			Retain:  cp.WillRetain,
		}
	}

	view := store.SessionView{ClientID: cp.ClientID, Clean: cp.CleanSession}
	persisted, err := c.broker.Store.LookupSubscriptions(view)
	if err != nil {
		c.writeLocked(pkt.NewConnAck(false, pkt.ServerUnavailable))
		return false
	}

	sessionPresent := false
	if !cp.CleanSession && len(persisted) > 0 {
		sessionPresent = true
		for filter, qos := range persisted {
			token, err := c.broker.Bus.Subscribe(filter, c.forwarder(filter))
			if err != nil {
				continue
			}
			session.Subscriptions[filter] = subscriptionState{QoS: qos, busToken: token}
		}
	}

	c.mu.Lock()
	c.session = session
	c.state = stateConnected
	c.mu.Unlock()

	c.broker.register(cp.ClientID, c)
	c.writeLocked(pkt.NewConnAck(sessionPresent, pkt.ConnectionAccepted))
	c.broker.emit(Event{Kind: EventClientConnected, Session: session})

	if !cp.CleanSession {
		c.deliverQueuedPackets(view)
	}

	return true
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

// deliverQueuedPackets replays offline packets queued for a resuming
// client (spec.md §4.2 scenario S1).
func (c *Conn) deliverQueuedPackets(view store.SessionView) {
	ch, err := c.broker.Store.StreamOfflinePackets(view)
	if err != nil {
		return
	}
	for p := range ch {
		c.deliver(p.Topic, p.Payload, p.QoS, p.Retain)
	}
}

// forwarder builds the bus.Handler registered for one subscribed filter.
// It downgrades delivery to the lesser of the publisher's and the
// subscriber's QoS, per MQTT 3.1.1 semantics.
func (c *Conn) forwarder(filter string) bus.Handler {
	return func(topicName string, payload []byte, opts bus.PublishOpts) {
		c.mu.Lock()
		st, ok := c.session.Subscriptions[filter]
		c.mu.Unlock()
		if !ok {
			return
		}
		c.deliver(topicName, payload, min8(st.QoS, opts.QoS), false)
	}
}

// deliver sends one PUBLISH to this client at the given QoS, arming
// retransmission for QoS 1.
func (c *Conn) deliver(topicName string, payload []byte, qos uint8, retain bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if qos == 0 {
		pp := &pkt.PublishPacket{Topic: topicName, Payload: payload, QoS: pkt.QoSAtMostOnce, Retain: retain}
		c.writeLocked(pp.Encode())
		return
	}

	packetID := c.session.nextPacketID()
	c.scheduleDelivery(packetID, topicName, payload, retain)
}

// handleSubscribe runs SUBSCRIBE (spec.md §4.4): authorize each filter,
// register with the bus (skipping filters the client is already
// subscribed to — duplicate SUBSCRIBE updates the granted QoS in place
// rather than re-registering), reply with retained messages matching the
// new filter, and send SUBACK. Durable subscriptions are persisted later,
// by teardown.
func (c *Conn) handleSubscribe(sp *pkt.SubscribePacket) bool {
	for _, f := range sp.Filters {
		ok, err := c.broker.Hooks.AuthorizeSubscribe(c.clientID(), f.Topic)
		if err != nil || !ok {
			c.unsubscribeAll()
			return false
		}
	}

	c.mu.Lock()
	clientID := c.session.ClientID
	for _, f := range sp.Filters {
		granted := uint8(f.QoS)
		if granted > uint8(pkt.QoSAtLeastOnce) {
			granted = uint8(pkt.QoSAtLeastOnce)
		}

		if existing, ok := c.session.Subscriptions[f.Topic]; ok {
			existing.QoS = granted
			c.session.Subscriptions[f.Topic] = existing
			continue
		}

		token, err := c.broker.Bus.Subscribe(f.Topic, c.forwarder(f.Topic))
		if err != nil {
			c.broker.log.LogError(err, "bus subscribe failed", logger.String("filter", f.Topic))
			continue
		}
		c.session.Subscriptions[f.Topic] = subscriptionState{QoS: granted, busToken: token}
		c.broker.log.LogSubscription(clientID, f.Topic, int(granted), "subscribe")
	}
	c.mu.Unlock()

	// Durable subscriptions are persisted only at session end (conn.go's
	// teardown), not here: storing them while the client is still
	// connected would let the store's offline-packet matcher and the
	// bus's live matcher both claim a PUBLISH for the same subscriber.

	for _, f := range sp.Filters {
		retained, err := c.broker.Store.LookupRetained(f.Topic)
		if err != nil {
			continue
		}
		for _, rp := range retained {
			c.deliver(rp.Topic, rp.Payload, min8(uint8(f.QoS), rp.QoS), true)
			c.broker.log.LogRetainedMessage(rp.Topic, "delivered", len(rp.Payload))
		}
	}

	suback := pkt.NewSubAck(sp)
	c.writeLocked(suback.Encode())
	return true
}

// unsubscribeAll tears down every live subscription, used when
// AuthorizeSubscribe denies a SUBSCRIBE or AuthorizePublish denies a
// PUBLISH.
func (c *Conn) unsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for filter, st := range c.session.Subscriptions {
		c.broker.Bus.Unsubscribe(st.busToken)
		delete(c.session.Subscriptions, filter)
	}
}

// handleUnsubscribe removes the requested filters and always replies with
// UNSUBACK, per MQTT 3.1.1 (unknown filters are not an error).
func (c *Conn) handleUnsubscribe(up *pkt.UnsubscribePacket) {
	c.mu.Lock()
	for _, filter := range up.TopicFilters {
		if st, ok := c.session.Subscriptions[filter]; ok {
			c.broker.Bus.Unsubscribe(st.busToken)
			delete(c.session.Subscriptions, filter)
		}
	}
	c.mu.Unlock()

	// Durable subscriptions are re-persisted at session end (conn.go's
	// teardown) from whatever c.session.Subscriptions holds at that
	// point, so the removal above is reflected without storing here.

	unsuback := pkt.NewUnsubAck(up)
	c.writeLocked(unsuback.Encode())
}

// handlePublish runs PUBLISH (spec.md §4.4): authorize, fan out through
// the bus (which also feeds the persistence offline-packet sink), store a
// retained copy if requested, and PUBACK QoS 1 deliveries. It returns
// false if the connection should close.
func (c *Conn) handlePublish(pp *pkt.PublishPacket) bool {
	clientID := c.clientID()

	ok, err := c.broker.Hooks.AuthorizePublish(clientID, pp.Topic, pp.Payload)
	if err != nil || !ok {
		c.unsubscribeAll()
		return false
	}

	// QoS 2 is handled as QoS 1: acknowledged with PUBACK, never PUBREC.
	if pp.QoS > pkt.QoSAtLeastOnce {
		pp.QoS = pkt.QoSAtLeastOnce
	}

	opts := bus.PublishOpts{QoS: uint8(pp.QoS), Retain: pp.Retain, OriginClientID: clientID}
	if pp.PacketID != nil {
		opts.OriginPacketID = *pp.PacketID
	}

	if err := c.broker.Bus.Publish(context.Background(), pp.Topic, pp.Payload, opts); err != nil {
		return true
	}

	if pp.Retain {
		c.broker.Store.StoreRetained(store.Packet{Topic: pp.Topic, Payload: pp.Payload, QoS: uint8(pp.QoS), Retain: true})
		c.broker.log.LogRetainedMessage(pp.Topic, "stored", len(pp.Payload))
	}

	if pp.QoS == pkt.QoSAtLeastOnce && pp.PacketID != nil {
		c.writeLocked(pkt.NewPubAck(*pp.PacketID))
	}

	c.broker.emit(Event{Kind: EventPublished, Packet: &store.Packet{
		Topic: pp.Topic, Payload: pp.Payload, QoS: uint8(pp.QoS), Retain: pp.Retain,
	}})
	return true
}

// handleDisconnect marks the connection as cleanly closed so teardown
// does not publish the will, per MQTT 3.1.1 (a DISCONNECT disarms the
// will before the socket closes).
func (c *Conn) handleDisconnect() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}
