// Package bus implements the broker-internal pub/sub fabric that
// decouples the connection state machine from its subscribers: an
// in-process default (Memory) and a clustering-capable backend (NATS),
// both behind the same Bus interface.
package bus

import (
	"context"

	"github.com/mistbroker/mist/internal/store"
	"github.com/mistbroker/mist/pkg/er"
)

// Handler is invoked for every publish whose topic matches the filter it
// was registered under.
type Handler func(topic string, payload []byte, opts PublishOpts)

// PublishOpts carries the QoS the message was published at and an opaque
// context naming the originating client/packet, per spec.md §4.3.
type PublishOpts struct {
	QoS            uint8
	OriginClientID string
	OriginPacketID uint16
	Retain         bool
}

// OfflineSink is the narrow slice of store.Store the bus needs: every
// publish also offers the message to persistence so durable-offline
// subscribers accrue a copy, regardless of how many live handlers matched.
type OfflineSink interface {
	StoreOfflinePacket(pkt store.Packet) error
}

// Bus is the pluggable pub/sub interface. subscribe/unsubscribe/publish/
// close map directly onto spec.md §4.3; Go's explicit error return stands
// in for the spec's done callback — Publish does not return until fan-out
// is complete (Memory) or accepted by the backend (NATS).
type Bus interface {
	Subscribe(filter string, handler Handler) (token string, err error)
	Unsubscribe(token string) error
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOpts) error
	Close() error
}

var ErrClosed = &er.Err{Context: "Bus", Message: er.ErrBusClosed}
