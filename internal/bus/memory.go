package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mistbroker/mist/internal/logger"
	"github.com/mistbroker/mist/internal/store"
	"github.com/mistbroker/mist/internal/topic"
)

// Memory is the default in-process Bus: a wildcard matcher over
// registered handlers, dispatched synchronously on the publisher's own
// goroutine. This gives same-caller ordering for free (spec.md §5) since
// there is no queue between publish and dispatch.
type Memory struct {
	mu       sync.RWMutex
	matcher  *topic.Matcher[string]
	handlers map[string]Handler
	offline  OfflineSink
	seq      atomic.Uint64
	closed   atomic.Bool
	log      *logger.Logger
}

// NewMemory returns an in-process Bus. offline may be nil in tests that
// don't care about the offline-packet side effect.
func NewMemory(offline OfflineSink) *Memory {
	return &Memory{
		matcher:  topic.New[string](),
		handlers: make(map[string]Handler),
		offline:  offline,
		log:      logger.NewMQTTLogger("bus"),
	}
}

func (m *Memory) Subscribe(filter string, handler Handler) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}

	token := fmt.Sprintf("mem-%d", m.seq.Add(1))

	m.mu.Lock()
	m.handlers[token] = handler
	m.matcher.Add(filter, token)
	m.mu.Unlock()

	return token, nil
}

func (m *Memory) Unsubscribe(token string) error {
	m.mu.Lock()
	delete(m.handlers, token)
	m.matcher.Remove(token)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Publish(_ context.Context, topicName string, payload []byte, opts PublishOpts) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.RLock()
	tokens := m.matcher.Match(topicName)
	handlers := make([]Handler, 0, len(tokens))
	for _, token := range tokens {
		if h, ok := m.handlers[token]; ok {
			handlers = append(handlers, h)
		}
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(topicName, payload, opts)
	}

	if m.offline != nil {
		if err := m.offline.StoreOfflinePacket(store.Packet{
			Topic:   topicName,
			Payload: payload,
			QoS:     opts.QoS,
			Retain:  opts.Retain,
		}); err != nil {
			// Live subscribers above already got this message; a
			// persistence failure for the offline copy must not fail
			// the publish path out from under them.
			m.log.LogError(err, "offline packet store failed", logger.String("topic", topicName))
		}
	}

	return nil
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
