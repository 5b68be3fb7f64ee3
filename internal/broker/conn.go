package broker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mistbroker/mist/internal/logger"
	pkt "github.com/mistbroker/mist/internal/packet"
	"github.com/mistbroker/mist/internal/store"
	"github.com/mistbroker/mist/pkg/er"
)

// connState is where a Conn sits in the protocol handshake: every packet
// but CONNECT is rejected until a session exists.
type connState int

const (
	stateAwaitingConnect connState = iota
	stateConnected
	stateClosed
)

// Conn is the per-client connection state machine (spec component D): one
// instance per accepted socket, owned by the goroutine running run().
// Everything that touches session state takes mu, since inflight retry
// timers and registry displacement call in from other goroutines.
type Conn struct {
	broker *Broker
	conn   net.Conn
	reader *bufio.Reader

	mu      sync.Mutex
	state   connState
	session *Session

	writeMu sync.Mutex // serializes socket writes: main loop vs retransmit timers

	keepaliveTimer *time.Timer
	closeOnce      sync.Once
}

func newConn(b *Broker, netConn net.Conn) *Conn {
	return &Conn{
		broker: b,
		conn:   netConn,
		reader: bufio.NewReader(netConn),
		state:  stateAwaitingConnect,
	}
}

func (c *Conn) clientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ClientID
}

// writeLocked writes raw bytes to the socket, serialized against
// concurrent writers (retransmit timers fire from their own goroutines).
// Named writeLocked for the session-state callers that already hold c.mu
// when they call it; it takes its own, separate writeMu rather than c.mu
// so a blocked network write can never stall session-state access.
func (c *Conn) writeLocked(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.Write(data)
}

// run is the per-connection byte-framing and dispatch loop: read a fixed
// header, read the variable-length remaining-length field, read the rest
// of the packet, decode it, dispatch it. Grounded on the teacher's
// transport.handleConnection loop, moved here so transport only owns the
// listener and Conn owns protocol behavior.
func (c *Conn) run() {
	defer c.teardown()

	for {
		rawPacket, err := c.readPacket()
		if err != nil {
			return
		}

		parsed, err := pkt.Parse(rawPacket)
		if err != nil {
			c.handleParseError(err)
			return
		}

		c.rearmKeepalive()
		c.broker.log.LogMQTTPacket(parsed.Type.String(), c.clientID(), "inbound")

		c.mu.Lock()
		state := c.state
		c.mu.Unlock()

		if state == stateAwaitingConnect {
			if !parsed.IsConnect() {
				c.writeLocked(pkt.NewConnAck(false, pkt.ServerUnavailable))
				return
			}
			if !c.handleConnect(parsed.GetConnect()) {
				return
			}
			// handleConnect just created the session; the first
			// rearmKeepalive call above ran before it existed.
			c.rearmKeepalive()
			continue
		}

		switch parsed.Type {
		case pkt.PUBLISH:
			if !c.handlePublish(parsed.Publish) {
				return
			}
		case pkt.SUBSCRIBE:
			if !c.handleSubscribe(parsed.Subscribe) {
				return
			}
		case pkt.UNSUBSCRIBE:
			c.handleUnsubscribe(parsed.Unsubscribe)
		case pkt.PUBACK:
			c.acknowledge(parsed.Puback.PacketID)
		case pkt.PINGREQ:
			c.writeLocked(pkt.CreatePingresp().Encode())
		case pkt.DISCONNECT:
			c.handleDisconnect()
			return
		default:
			return
		}
	}
}

func (c *Conn) readPacket() ([]byte, error) {
	fixedHeaderByte, err := c.reader.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 4)
	remLenOffset := 0
	remainingLength := 0
	multiplier := 1

	for {
		if remLenOffset >= len(remLenBuf) {
			return nil, &er.Err{Context: "Conn, RemainingLength", Message: er.ErrRemainingLengthExceeded}
		}
		b, err := c.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf[remLenOffset] = b
		remLenOffset++
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if (b & 0x80) == 0 {
			break
		}
	}

	rawPacket := make([]byte, 1+remLenOffset+remainingLength)
	rawPacket[0] = fixedHeaderByte
	copy(rawPacket[1:1+remLenOffset], remLenBuf[:remLenOffset])

	if _, err := io.ReadFull(c.reader, rawPacket[1+remLenOffset:]); err != nil {
		return nil, err
	}
	return rawPacket, nil
}

func (c *Conn) handleParseError(err error) {
	var returnCode byte
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		returnCode = pkt.UnacceptableProtocolVersion
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		returnCode = pkt.IdentifierRejected
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		returnCode = pkt.BadUsernameOrPassword
	default:
		returnCode = pkt.ServerUnavailable
	}
	c.writeLocked(pkt.NewConnAck(false, returnCode))
}

// rearmKeepalive resets the keepalive watchdog on any received packet,
// including PINGREQ. The deadline is keepAlive * 1.5s expressed in
// milliseconds (1000*keepAlive*3/2), matching the 1.5x grace period MQTT
// 3.1.1 clients are built against.
func (c *Conn) rearmKeepalive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.KeepAlive == 0 {
		return
	}
	deadline := time.Duration(c.session.KeepAlive) * time.Second * 3 / 2

	if c.keepaliveTimer != nil {
		c.keepaliveTimer.Stop()
	}
	c.keepaliveTimer = time.AfterFunc(deadline, func() {
		c.conn.Close()
	})
}

// teardown runs once per Conn regardless of how run() exited: it closes
// the socket, cancels inflight timers, removes the client from the
// registry (if it is still the registered one) and, if the disconnect was
// not a clean DISCONNECT, publishes the session's will.
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.cancelAllInflight()

		c.mu.Lock()
		if c.keepaliveTimer != nil {
			c.keepaliveTimer.Stop()
		}
		session := c.session
		abrupt := c.state != stateClosed
		c.state = stateClosed
		c.mu.Unlock()

		if session == nil {
			return
		}

		c.broker.unregister(session.ClientID, c)
		c.broker.log.LogPerformance("connection_duration", time.Since(session.ConnectedAt).Milliseconds(), "ms",
			logger.ClientID(session.ClientID))

		if !session.Clean {
			c.mu.Lock()
			subsSnapshot := make(map[string]uint8, len(session.Subscriptions))
			for filter, st := range session.Subscriptions {
				subsSnapshot[filter] = st.QoS
			}
			c.mu.Unlock()
			c.broker.Store.StoreSubscriptions(store.SessionView{
				ClientID: session.ClientID, Clean: false, Subscriptions: subsSnapshot,
			})
		}

		for _, st := range session.Subscriptions {
			c.broker.Bus.Unsubscribe(st.busToken)
		}

		c.broker.emit(Event{Kind: EventClientDisconnected, Session: session})

		if abrupt && session.Will != nil {
			c.broker.publishWill(session.Will)
		}
	})
}

// closeDisplaced is called by Broker.register when a new connection for
// the same client id arrives; it must not republish the will, since the
// client is still "present", just reconnecting.
func (c *Conn) closeDisplaced() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	c.conn.Close()
	c.cancelAllInflight()
}

// closeGraceful is used by Broker.Shutdown: it behaves like a clean
// DISCONNECT so no will fires during an orderly server stop.
func (c *Conn) closeGraceful() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	c.teardown()
}

// publishWill publishes a disconnected client's last will through the bus,
// the same path a live client's PUBLISH takes.
func (b *Broker) publishWill(w *Will) {
	_ = b.Bus.Publish(context.Background(), w.Topic, w.Payload, willOpts(w))
	if w.Retain {
		b.Store.StoreRetained(store.Packet{Topic: w.Topic, Payload: w.Payload, QoS: w.QoS, Retain: true})
		b.log.LogRetainedMessage(w.Topic, "stored", len(w.Payload))
	}
}
