// Package events is the GUI notification bus. The mixer posts state strings
// here; frontends subscribe per topic.
package events

import (
	"sync"

	"gitlab.com/distributed_lab/logan/v3"
)

// Event is a single GUI notification.
type Event struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// Poster is the write side of the bus as seen by the mixer.
type Poster interface {
	Post(topic string, event Event)
}

// Bus fans events out to per-topic subscribers. Slow subscribers drop.
type Bus struct {
	log  *logan.Entry
	mu   sync.Mutex
	subs map[string][]chan Event
}

func NewBus(log *logan.Entry) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[string][]chan Event),
	}
}

var _ Poster = (*Bus)(nil)

func (b *Bus) Post(topic string, event Event) {
	b.mu.Lock()
	subs := b.subs[topic]
	b.mu.Unlock()

	b.log.WithField("topic", topic).Debugf("%s: %s", event.Type, event.State)
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a buffered channel of events posted to topic.
func (b *Bus) Subscribe(topic string) <-chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}
