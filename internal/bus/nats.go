package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/mistbroker/mist/internal/logger"
	"github.com/mistbroker/mist/internal/store"
	"github.com/mistbroker/mist/pkg/er"
)

// NATS is the clustering-capable Bus backend named in spec.md §1/§6: the
// same Subscribe/Unsubscribe/Publish/Close contract as Memory, fanned out
// through a NATS server instead of an in-process map so multiple broker
// instances can share subscribers.
type NATS struct {
	conn    *nats.Conn
	offline OfflineSink

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	seq    atomic.Uint64
	closed atomic.Bool
	log    *logger.Logger
}

// envelope carries the PUBLISH payload and its MQTT-specific metadata
// over the wire; NATS messages are opaque bytes.
type envelope struct {
	Payload        []byte `json:"payload"`
	QoS            uint8  `json:"qos"`
	Retain         bool   `json:"retain"`
	OriginClientID string `json:"originClientId"`
	OriginPacketID uint16 `json:"originPacketId"`
}

// DialNATS connects to a NATS server for use as the broker's clustering
// bus backend.
func DialNATS(url string, offline OfflineSink) (*NATS, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, &er.Err{Context: "Bus, NATS Connect", Message: err}
	}
	return &NATS{
		conn:    conn,
		offline: offline,
		subs:    make(map[string]*nats.Subscription),
		log:     logger.NewMQTTLogger("bus"),
	}, nil
}

func (n *NATS) Subscribe(filter string, handler Handler) (string, error) {
	if n.closed.Load() {
		return "", ErrClosed
	}

	subject := filterToSubject(filter)
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		handler(subjectToTopic(msg.Subject), env.Payload, PublishOpts{
			QoS:            env.QoS,
			Retain:         env.Retain,
			OriginClientID: env.OriginClientID,
			OriginPacketID: env.OriginPacketID,
		})
	})
	if err != nil {
		return "", &er.Err{Context: "Bus, NATS Subscribe", Message: err}
	}

	token := fmt.Sprintf("nats-%d", n.seq.Add(1))
	n.mu.Lock()
	n.subs[token] = sub
	n.mu.Unlock()

	return token, nil
}

func (n *NATS) Unsubscribe(token string) error {
	n.mu.Lock()
	sub, ok := n.subs[token]
	delete(n.subs, token)
	n.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return &er.Err{Context: "Bus, NATS Unsubscribe", Message: err}
	}
	return nil
}

func (n *NATS) Publish(_ context.Context, topicName string, payload []byte, opts PublishOpts) error {
	if n.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(envelope{
		Payload:        payload,
		QoS:            opts.QoS,
		Retain:         opts.Retain,
		OriginClientID: opts.OriginClientID,
		OriginPacketID: opts.OriginPacketID,
	})
	if err != nil {
		return &er.Err{Context: "Bus, NATS Encode", Message: err}
	}

	if err := n.conn.Publish(topicToSubject(topicName), data); err != nil {
		return &er.Err{Context: "Bus, NATS Publish", Message: err}
	}

	if n.offline != nil {
		if err := n.offline.StoreOfflinePacket(store.Packet{
			Topic:   topicName,
			Payload: payload,
			QoS:     opts.QoS,
			Retain:  opts.Retain,
		}); err != nil {
			// Subscribers already got this via the NATS publish above; a
			// persistence failure for the offline copy must not fail the
			// publish path out from under them.
			n.log.LogError(err, "offline packet store failed", logger.String("topic", topicName))
		}
	}

	return nil
}

func (n *NATS) Close() error {
	n.closed.Store(true)

	n.mu.Lock()
	subs := n.subs
	n.subs = make(map[string]*nats.Subscription)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	n.conn.Close()
	return nil
}

// filterToSubject translates an MQTT subscription filter to a NATS
// subject: '/' levels become '.', '+' becomes '*', a trailing '#' becomes
// '>' (spec.md §4.3/§6: "MQTT '#' -> bus '*' at the boundary"; NATS itself
// spells multi-level '>' and single-level '*', so both wildcards map).
func filterToSubject(filter string) string {
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch level {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	return strings.Join(levels, ".")
}

func topicToSubject(topicName string) string {
	return strings.ReplaceAll(topicName, "/", ".")
}

func subjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
