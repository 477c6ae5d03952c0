// Package bus is the coordinator's in-process event fabric. Producers
// publish without blocking; a subscriber that falls behind loses
// messages rather than stalling ingestion or scoring.
package bus

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Topics carried on the bus.
const (
	// TopicFeedAdvanced fires after a feed poll persists new records.
	TopicFeedAdvanced = "feed.advanced"
	// TopicCycleCommitted fires after a score pass commits its merkle cycle.
	TopicCycleCommitted = "cycle.committed"
	// TopicCheckpointCreated fires after the checkpoint builder persists
	// a new pending checkpoint.
	TopicCheckpointCreated = "checkpoint.created"
)

// FeedAdvanceEvent is the payload of TopicFeedAdvanced.
type FeedAdvanceEvent struct {
	ScopeKey string `json:"scope_key"`
	TsEvent  int64  `json:"ts_event"`
	Records  int    `json:"records"`
}

// CycleCommittedEvent is the payload of TopicCycleCommitted.
type CycleCommittedEvent struct {
	CycleID       string `json:"cycle_id"`
	ChainedRoot   string `json:"chained_root"`
	SnapshotCount int    `json:"snapshot_count"`
}

// CheckpointCreatedEvent is the payload of TopicCheckpointCreated.
type CheckpointCreatedEvent struct {
	CheckpointID string `json:"checkpoint_id"`
	MerkleRoot   string `json:"merkle_root"`
}

// Message wraps a published payload with its topic and publish time.
type Message struct {
	Topic   string
	At      time.Time
	Payload any
}

type subscriber struct {
	ch   chan Message
	name string
}

// Bus fans published messages out to per-subscriber buffered channels.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Subscribe registers a named subscriber for one topic. The returned
// cancel func detaches the subscriber and closes its channel. The name
// only serves drop logging.
func (b *Bus) Subscribe(topic, name string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	var sub = &subscriber{ch: make(chan Message, buffer), name: name}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[topic] = append(b.subs[topic], sub)

	var once sync.Once
	var cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			// After Close the channel is already closed and the
			// subscriber roster is gone.
			if b.closed {
				return
			}
			var kept = b.subs[topic][:0]
			for _, s := range b.subs[topic] {
				if s != sub {
					kept = append(kept, s)
				}
			}
			b.subs[topic] = kept
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers to every subscriber of the topic without blocking.
// A full subscriber buffer drops the message for that subscriber only.
func (b *Bus) Publish(topic string, payload any) {
	var msg = Message{Topic: topic, At: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
			log.WithFields(log.Fields{
				"topic":      topic,
				"subscriber": sub.name,
			}).Debug("bus subscriber buffer full, dropping message")
		}
	}
}

// Close detaches all subscribers and closes their channels. Publish
// becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
	}
	b.subs = nil
}
