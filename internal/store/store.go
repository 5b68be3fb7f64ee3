// Package store implements the broker's persistence layer: retained
// messages, durable subscriptions, the subscription index used to find
// offline subscribers by topic, and offline packet queues. Client
// subscription records, subscription-index rows and offline packets carry
// a per-entry TTL swept on a timer; retained messages carry none and live
// until overwritten or cleared by an empty payload.
package store

import (
	"github.com/mistbroker/mist/pkg/er"
)

// Packet is the persisted shape of an MQTT PUBLISH. MessageID is
// deliberately absent: offline packets get a fresh id allocated by the
// connection that eventually redelivers them.
type Packet struct {
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
}

// Subscription is one durable (filter, qos) pair.
type Subscription struct {
	Filter string
	QoS    uint8
}

// SessionView is the subset of broker.Session the store needs. It keeps
// this package free of an import cycle back to internal/broker.
type SessionView struct {
	ClientID      string
	Clean         bool
	Subscriptions map[string]uint8 // filter -> qos; StoreSubscriptions itself drops qos 0 entries
}

// Store is the persistence interface the connection state machine and
// server supervisor drive. Implementations: BoltStore (production,
// go.etcd.io/bbolt-backed) and MemStore (tests).
type Store interface {
	StoreRetained(pkt Packet) error
	LookupRetained(filter string) ([]Packet, error)

	StoreSubscriptions(session SessionView) error
	LookupSubscriptions(session SessionView) (map[string]uint8, error)

	StoreOfflinePacket(pkt Packet) error
	StreamOfflinePackets(session SessionView) (<-chan Packet, error)

	Close() error
}

var ErrClosed = &er.Err{Context: "Store", Message: er.ErrStoreClosed}
