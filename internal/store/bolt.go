package store

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mistbroker/mist/internal/logger"
	"github.com/mistbroker/mist/internal/topic"
	"github.com/mistbroker/mist/pkg/er"
)

var (
	bucketRetained            = []byte("retained")
	bucketClientSubscriptions = []byte("clientSubscriptions")
	bucketSubscriptions       = []byte("subscriptions")
	bucketOfflinePackets      = []byte("offlinePackets")

	allBuckets = [][]byte{bucketRetained, bucketClientSubscriptions, bucketSubscriptions, bucketOfflinePackets}
)

// TTL configures how long each namespace's entries survive and how often
// the sweep runs.
type TTL struct {
	Subscriptions  time.Duration
	Packets        time.Duration
	CheckFrequency time.Duration
}

// DefaultTTL mirrors the configuration defaults in spec.md §6.
func DefaultTTL() TTL {
	return TTL{
		Subscriptions:  time.Hour,
		Packets:        time.Hour,
		CheckFrequency: time.Minute,
	}
}

// entry wraps a namespace value with its expiry. ExpiresAt zero means the
// entry never expires (used for retained messages, which spec.md names no
// TTL config key for).
type entry struct {
	ExpiresAt int64 `json:"expiresAt"`
	Data      json.RawMessage `json:"data"`
}

func (e entry) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixNano() >= e.ExpiresAt
}

// subscriptionRow is the value stored under bucketSubscriptions, keyed by
// filter + ":" + clientId (spec.md §3, "Persisted subscription index entry").
type subscriptionRow struct {
	ClientID string
	Filter   string
	QoS      uint8
}

// BoltStore is the production Store, backed by a single bbolt file holding
// the four namespaces as separate buckets.
type BoltStore struct {
	db      *bolt.DB
	ttl     TTL
	matcher *topic.Matcher[string] // token = filter+":"+clientId, same as the subscriptions bucket key
	seq     atomic.Uint64
	stopCh  chan struct{}
	log     *logger.Logger
}

// OpenBolt opens (creating if absent) the bbolt file at path, creates every
// namespace bucket, rebuilds the subscription-index matcher from durable
// state, and starts the TTL sweep goroutine.
func OpenBolt(path string, ttl TTL) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &er.Err{Context: "Store, Open", Message: err}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &er.Err{Context: "Store, CreateBuckets", Message: err}
	}

	s := &BoltStore{
		db:      db,
		ttl:     ttl,
		matcher: topic.New[string](),
		stopCh:  make(chan struct{}),
		log:     logger.NewMQTTLogger("store"),
	}

	if err := s.rebuildMatcher(); err != nil {
		db.Close()
		return nil, err
	}

	go s.sweepLoop()

	return s, nil
}

func (s *BoltStore) rebuildMatcher() error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSubscriptions).Cursor()
		now := time.Now()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.expired(now) {
				continue
			}
			var row subscriptionRow
			if err := json.Unmarshal(e.Data, &row); err != nil {
				continue
			}
			s.matcher.Add(row.Filter, string(k))
		}
		return nil
	})
}

func wrap(data any, ttl time.Duration) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	e := entry{Data: raw}
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl).UnixNano()
	}
	return json.Marshal(e)
}

func unwrap(raw []byte, now time.Time, out any) (bool, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return false, err
	}
	if e.expired(now) {
		return false, nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return false, err
	}
	return true, nil
}

// StoreRetained implements Store.
func (s *BoltStore) StoreRetained(pkt Packet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetained)
		if len(pkt.Payload) == 0 {
			return b.Delete([]byte(pkt.Topic))
		}
		raw, err := wrap(pkt, 0)
		if err != nil {
			return err
		}
		return b.Put([]byte(pkt.Topic), raw)
	})
}

// LookupRetained implements Store.
func (s *BoltStore) LookupRetained(filter string) ([]Packet, error) {
	var out []Packet
	now := time.Now()
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRetained).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !topic.MatchesFilter(filter, string(k)) {
				continue
			}
			var pkt Packet
			ok, err := unwrap(v, now, &pkt)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, pkt)
			}
		}
		return nil
	})
	return out, err
}

// StoreSubscriptions implements Store. A no-op for clean sessions.
func (s *BoltStore) StoreSubscriptions(session SessionView) error {
	if session.Clean {
		return nil
	}

	durable := make(map[string]uint8, len(session.Subscriptions))
	for filter, qos := range session.Subscriptions {
		if qos > 0 {
			durable[filter] = qos
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		clientRaw, err := wrap(durable, s.ttl.Subscriptions)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketClientSubscriptions).Put([]byte(session.ClientID), clientRaw); err != nil {
			return err
		}

		subs := tx.Bucket(bucketSubscriptions)
		for filter, qos := range durable {
			key := filter + ":" + session.ClientID
			rowRaw, err := wrap(subscriptionRow{ClientID: session.ClientID, Filter: filter, QoS: qos}, s.ttl.Subscriptions)
			if err != nil {
				return err
			}
			if err := subs.Put([]byte(key), rowRaw); err != nil {
				return err
			}
			s.matcher.Add(filter, key)
		}
		return nil
	})
}

// LookupSubscriptions implements Store.
func (s *BoltStore) LookupSubscriptions(session SessionView) (map[string]uint8, error) {
	now := time.Now()
	result := make(map[string]uint8)

	err := s.db.Update(func(tx *bolt.Tx) error {
		clients := tx.Bucket(bucketClientSubscriptions)
		raw := clients.Get([]byte(session.ClientID))
		if raw == nil {
			return nil
		}

		var stored map[string]uint8
		ok, err := unwrap(raw, now, &stored)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if !session.Clean {
			for filter, qos := range stored {
				result[filter] = qos
			}
			return nil
		}

		// clean=true: discard durable state entirely.
		if err := clients.Delete([]byte(session.ClientID)); err != nil {
			return err
		}

		subs := tx.Bucket(bucketSubscriptions)
		for filter := range stored {
			key := filter + ":" + session.ClientID
			if err := subs.Delete([]byte(key)); err != nil {
				return err
			}
			s.matcher.Remove(key)
		}

		offline := tx.Bucket(bucketOfflinePackets)
		prefix := []byte(session.ClientID + ":")
		c := offline.Cursor()
		var queued [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			queued = append(queued, append([]byte(nil), k...))
		}
		for _, k := range queued {
			if err := offline.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})

	return result, err
}

// StoreOfflinePacket implements Store: appends a copy of pkt for every
// durable subscriber whose filter matches pkt.Topic, once per client.
func (s *BoltStore) StoreOfflinePacket(pkt Packet) error {
	matched := s.matcher.Match(pkt.Topic)
	if len(matched) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		subs := tx.Bucket(bucketSubscriptions)
		offline := tx.Bucket(bucketOfflinePackets)
		now := time.Now()

		seen := make(map[string]bool)
		for _, indexKey := range matched {
			raw := subs.Get([]byte(indexKey))
			if raw == nil {
				continue // stale matcher entry; the row already expired
			}
			var row subscriptionRow
			ok, err := unwrap(raw, now, &row)
			if err != nil {
				return err
			}
			if !ok || seen[row.ClientID] {
				continue
			}
			seen[row.ClientID] = true

			key := fmt.Sprintf("%s:%s:%d", row.ClientID, now.UTC().Format(time.RFC3339Nano), s.seq.Add(1))
			packetRaw, err := wrap(pkt, s.ttl.Packets)
			if err != nil {
				return err
			}
			if err := offline.Put([]byte(key), packetRaw); err != nil {
				return err
			}
		}
		return nil
	})
}

// StreamOfflinePackets implements Store: drains and deletes every offline
// packet queued for session.ClientID, yielding each one (unless the
// session asked for a clean start, in which case they're discarded).
func (s *BoltStore) StreamOfflinePackets(session SessionView) (<-chan Packet, error) {
	var packets []Packet
	now := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		offline := tx.Bucket(bucketOfflinePackets)
		prefix := []byte(session.ClientID + ":")
		c := offline.Cursor()
		var drained [][]byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var pkt Packet
			ok, err := unwrap(v, now, &pkt)
			if err != nil {
				return err
			}
			drained = append(drained, append([]byte(nil), k...))
			if ok && !session.Clean {
				packets = append(packets, pkt)
			}
		}
		for _, k := range drained {
			if err := offline.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Packet, len(packets))
	for _, pkt := range packets {
		out <- pkt
	}
	close(out)
	return out, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	close(s.stopCh)
	return s.db.Close()
}

func (s *BoltStore) sweepLoop() {
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
			if err := s.sweep(); err != nil {
				s.log.LogError(err, "ttl sweep failed")
			}
		}
	}
}

// sweep deletes expired entries in every TTL-bearing namespace and keeps
// the subscription-index matcher consistent with what survives.
func (s *BoltStore) sweep() error {
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketClientSubscriptions, bucketSubscriptions, bucketOfflinePackets} {
			b := tx.Bucket(name)
			c := b.Cursor()
			var expiredKeys [][]byte
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var e entry
				if err := json.Unmarshal(v, &e); err != nil {
					continue
				}
				if e.expired(now) {
					expiredKeys = append(expiredKeys, append([]byte(nil), k...))
				}
			}
			for _, k := range expiredKeys {
				if string(name) == string(bucketSubscriptions) {
					s.matcher.Remove(string(k))
				}
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
