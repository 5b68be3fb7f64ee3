// Package transport owns the listening socket and the accept loop; it
// hands every accepted connection to the broker's connection state
// machine and otherwise knows nothing about the MQTT wire protocol.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/mistbroker/mist/internal/broker"
	"github.com/mistbroker/mist/internal/logger"
	pkt "github.com/mistbroker/mist/internal/packet"
)

type TCPServer struct {
	addr           string
	listener       net.Listener
	broker         *broker.Broker
	isShuttingdown atomic.Bool
	log            *logger.Logger
}

// New creates a TCPServer bound to the given broker. addr is a host:port
// pair (or ":1883" for all interfaces).
func New(addr string, b *broker.Broker) *TCPServer {
	return &TCPServer{
		addr:   addr,
		broker: b,
		log:    logger.NewMQTTLogger("transport"),
	}
}

// Start binds the listener and begins accepting connections in the
// background.
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", srv.addr, err)
	}
	srv.listener = listener
	srv.broker.Ready()

	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener. It does not close already-accepted
// connections; callers should call broker.Shutdown for that.
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if srv.isShuttingdown.Load() || srv.broker.Closing() {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
				srv.log.LogError(err, "accept failed")
				continue
			}
		}
		go srv.handleConnection(conn)
	}
}

func (srv *TCPServer) handleConnection(conn net.Conn) {
	if !srv.broker.TryAdmit() {
		conn.Write(pkt.NewConnAck(false, pkt.ServerUnavailable))
		conn.Close()
		return
	}

	srv.log.LogClientConnection("", conn.RemoteAddr().String(), "accepted")
	srv.broker.HandleConn(conn)
}
