// Package topic implements the server-side subscription registry: the
// mapping from topic name to the set of connections currently subscribed
// to it, and the fan-out write that backs Publish.
//
// A weak reference to each subscribed connection, auto-expiring once the
// connection dies, would be the natural fit here, but Go has no idiomatic
// equivalent that expires on its own the way a C++ weak_ptr does. The
// registry instead stores a live Conn handle directly and relies on
// Conn.Closed to report liveness — the same "skip dead slots on iteration"
// behavior, reached through an explicit flag rather than a weak reference.
package topic

import (
	"sync"

	"go.uber.org/zap"

	"wirebus/protocol"
)

// Conn is the narrow view of a connection the topic manager needs.
// *conn.Connection satisfies this interface structurally; topic never
// imports conn, which is what keeps conn <-> topic free of an import
// cycle.
type Conn interface {
	ID() uint64
	Closed() bool
	WritePush(codecType protocol.CodecType, topic string, body []byte, mode protocol.Mode) error
	Disconnect()
}

// Manager holds the topic -> subscriber-set mapping for one server.
type Manager struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]Conn
	log    *zap.Logger
}

// NewManager creates an empty topic registry.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		topics: make(map[string]map[uint64]Conn),
		log:    log,
	}
}

// AddTopic subscribes c to topic. Re-subscribing an already-subscribed
// connection to the same topic is a no-op (the map is keyed by connection
// ID per topic, so duplicates can't accumulate).
func (m *Manager) AddTopic(topic string, c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[uint64]Conn)
		m.topics[topic] = subs
	}
	subs[c.ID()] = c
}

// RemoveTopic unsubscribes c from topic. Removing the last subscriber
// deletes the topic entry entirely so Publish never iterates an empty set.
func (m *Manager) RemoveTopic(topic string, c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.topics[topic]
	if !ok {
		return
	}
	delete(subs, c.ID())
	if len(subs) == 0 {
		delete(m.topics, topic)
	}
}

// RemoveAllTopics removes c from every topic it is subscribed to. Called
// once, on connection close, for any connection that was ever tainted by a
// subscriber-kind frame.
func (m *Manager) RemoveAllTopics(c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, subs := range m.topics {
		if _, ok := subs[c.ID()]; ok {
			delete(subs, c.ID())
			if len(subs) == 0 {
				delete(m.topics, topic)
			}
		}
	}
}

// Publish fans a push frame out to every live subscriber of topic. The
// subscriber slice is copied under RLock and released before any write, so
// a slow or blocked subscriber's socket write never holds up AddTopic,
// RemoveTopic, or another Publish on an unrelated topic.
func (m *Manager) Publish(topic string, body []byte, codecType protocol.CodecType, mode protocol.Mode) int {
	m.mu.RLock()
	subs := m.topics[topic]
	targets := make([]Conn, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Closed() {
			continue
		}
		if err := c.WritePush(codecType, topic, body, mode); err != nil {
			m.log.Debug("push delivery failed, disconnecting subscriber", zap.String("topic", topic), zap.Uint64("conn", c.ID()), zap.Error(err))
			c.Disconnect()
			continue
		}
		delivered++
	}
	return delivered
}

// SubscriberCount reports how many live connections currently subscribe to
// topic, for diagnostics and tests.
func (m *Manager) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}
