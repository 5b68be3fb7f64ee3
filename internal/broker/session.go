package broker

import (
	"math/rand/v2"
	"net"
	"time"
)

// Will is the message the broker publishes on the client's behalf when its
// connection drops without a prior DISCONNECT.
type Will struct {
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
}

// subscriptionState is what a live session remembers about one filter: the
// granted QoS and the bus registration token Unsubscribe needs.
type subscriptionState struct {
	QoS      uint8
	busToken string
}

// Session is the in-memory state of one connected client (spec.md §3). It
// lives only as long as the TCP connection; durable bookkeeping
// (subscriptions surviving reconnect, queued offline packets) lives in
// internal/store and is reloaded on CONNECT when Clean is false.
type Session struct {
	ClientID  string
	Clean     bool
	KeepAlive uint16
	Will      *Will

	Subscriptions map[string]subscriptionState
	Inflight      map[uint16]*inflightMessage

	nextID      uint16
	ConnectedAt time.Time
	Conn        net.Conn
}

func newSession(clientID string, clean bool, keepAlive uint16) *Session {
	return &Session{
		ClientID:      clientID,
		Clean:         clean,
		KeepAlive:     keepAlive,
		Subscriptions: make(map[string]subscriptionState),
		Inflight:      make(map[uint16]*inflightMessage),
		nextID:        uint16(rand.IntN(65535)) + 1, // avoid collisions with the prior connection's packet ids on reconnect
		ConnectedAt:   time.Now(),
	}
}

// nextPacketID returns the next outbound packet identifier, wrapping from
// 65535 back to 1 — 0 is reserved and never a valid MQTT packet id.
func (s *Session) nextPacketID() uint16 {
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	return s.nextID
}
