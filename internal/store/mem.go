package store

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mistbroker/mist/internal/topic"
)

type memEntry[T any] struct {
	value     T
	expiresAt time.Time // zero value means no expiry
}

func (e memEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemStore is an in-memory Store used by tests. It honours the same TTL
// and matcher-consistency contract as BoltStore without touching disk.
type MemStore struct {
	mu       sync.Mutex
	retained map[string]memEntry[Packet]
	clients  map[string]memEntry[map[string]uint8]
	subs     map[string]memEntry[subscriptionRow]
	offline  map[string]memEntry[Packet]

	ttl     TTL
	matcher *topic.Matcher[string]
	seq     atomic.Uint64
	stopCh  chan struct{}
}

// NewMem returns an empty MemStore and starts its TTL sweep goroutine.
func NewMem(ttl TTL) *MemStore {
	s := &MemStore{
		retained: make(map[string]memEntry[Packet]),
		clients:  make(map[string]memEntry[map[string]uint8]),
		subs:     make(map[string]memEntry[subscriptionRow]),
		offline:  make(map[string]memEntry[Packet]),
		ttl:      ttl,
		matcher:  topic.New[string](),
		stopCh:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemStore) StoreRetained(pkt Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(pkt.Payload) == 0 {
		delete(s.retained, pkt.Topic)
		return nil
	}
	s.retained[pkt.Topic] = memEntry[Packet]{value: pkt}
	return nil
}

func (s *MemStore) LookupRetained(filter string) ([]Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []Packet
	for t, e := range s.retained {
		if e.expired(now) || !topic.MatchesFilter(filter, t) {
			continue
		}
		out = append(out, e.value)
	}
	return out, nil
}

func (s *MemStore) StoreSubscriptions(session SessionView) error {
	if session.Clean {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	durable := make(map[string]uint8, len(session.Subscriptions))
	for filter, qos := range session.Subscriptions {
		if qos > 0 {
			durable[filter] = qos
		}
	}

	exp := time.Now().Add(s.ttl.Subscriptions)
	s.clients[session.ClientID] = memEntry[map[string]uint8]{value: durable, expiresAt: exp}

	for filter, qos := range durable {
		key := filter + ":" + session.ClientID
		s.subs[key] = memEntry[subscriptionRow]{
			value:     subscriptionRow{ClientID: session.ClientID, Filter: filter, QoS: qos},
			expiresAt: exp,
		}
		s.matcher.Add(filter, key)
	}
	return nil
}

func (s *MemStore) LookupSubscriptions(session SessionView) (map[string]uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	result := make(map[string]uint8)

	e, ok := s.clients[session.ClientID]
	if !ok || e.expired(now) {
		return result, nil
	}

	if !session.Clean {
		for filter, qos := range e.value {
			result[filter] = qos
		}
		return result, nil
	}

	delete(s.clients, session.ClientID)
	for filter := range e.value {
		key := filter + ":" + session.ClientID
		delete(s.subs, key)
		s.matcher.Remove(key)
	}

	prefix := session.ClientID + ":"
	for k := range s.offline {
		if hasStringPrefix(k, prefix) {
			delete(s.offline, k)
		}
	}

	return result, nil
}

func (s *MemStore) StoreOfflinePacket(pkt Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := s.matcher.Match(pkt.Topic)
	if len(matched) == 0 {
		return nil
	}

	now := time.Now()
	seen := make(map[string]bool)
	for _, indexKey := range matched {
		row, ok := s.subs[indexKey]
		if !ok || row.expired(now) || seen[row.value.ClientID] {
			continue
		}
		seen[row.value.ClientID] = true

		key := fmt.Sprintf("%s:%s:%d", row.value.ClientID, now.UTC().Format(time.RFC3339Nano), s.seq.Add(1))
		s.offline[key] = memEntry[Packet]{value: pkt, expiresAt: now.Add(s.ttl.Packets)}
	}
	return nil
}

func (s *MemStore) StreamOfflinePackets(session SessionView) (<-chan Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	prefix := session.ClientID + ":"
	var packets []Packet
	for k, e := range s.offline {
		if !hasStringPrefix(k, prefix) {
			continue
		}
		delete(s.offline, k)
		if !e.expired(now) && !session.Clean {
			packets = append(packets, e.value)
		}
	}

	out := make(chan Packet, len(packets))
	for _, pkt := range packets {
		out <- pkt
	}
	close(out)
	return out, nil
}

func (s *MemStore) Close() error {
	close(s.stopCh)
	return nil
}

func (s *MemStore) sweepLoop() {
	freq := s.ttl.CheckFrequency
	if freq <= 0 {
		freq = time.Minute
	}
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, e := range s.clients {
		if e.expired(now) {
			delete(s.clients, k)
		}
	}
	for k, e := range s.subs {
		if e.expired(now) {
			delete(s.subs, k)
			s.matcher.Remove(k)
		}
	}
	for k, e := range s.offline {
		if e.expired(now) {
			delete(s.offline, k)
		}
	}
}

func hasStringPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
