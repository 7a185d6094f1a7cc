package engine

import (
	"github.com/google/uuid"

	"github.com/spreadscan/spreadscan/internal/models"
)

// A subscriber that keeps a full queue for this many consecutive ticks is
// disconnected: marked slow on the first, evicted after staying slow for two
// more.
const slowTickLimit = 3

// Subscriber is one live event stream attached to a scan. Events are pushed
// by the scan's tick task into a bounded queue; the transport layer drains
// Events. The engine is the only closer of the channel.
type Subscriber struct {
	id    string
	ch    chan models.Event
	wants map[models.EventType]bool

	// slowStreak counts consecutive ticks in which at least one event was
	// dropped. Accessed only under the owning scan's lock.
	slowStreak int
}

func newSubscriber(queueSize int, wants []models.EventType) *Subscriber {
	s := &Subscriber{
		id: uuid.NewString(),
		ch: make(chan models.Event, queueSize),
	}
	if len(wants) > 0 {
		s.wants = make(map[models.EventType]bool, len(wants))
		for _, t := range wants {
			s.wants[t] = true
		}
	}
	return s
}

// ID is the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// Events is the stream to drain. It is closed when the subscriber is removed
// from its scan.
func (s *Subscriber) Events() <-chan models.Event { return s.ch }

// Wants reports whether the subscriber asked for this event type. An empty
// subscription receives everything.
func (s *Subscriber) Wants(t models.EventType) bool {
	return s.wants == nil || s.wants[t]
}

// SetWants replaces the event-type subscription. Called by the transport on
// subscribe/unsubscribe messages; the owning scan's lock must be held.
func (s *Subscriber) SetWants(wants []models.EventType) {
	if len(wants) == 0 {
		s.wants = nil
		return
	}
	s.wants = make(map[models.EventType]bool, len(wants))
	for _, t := range wants {
		s.wants[t] = true
	}
}

// push enqueues without blocking; false means the queue was full and the
// event dropped.
func (s *Subscriber) push(ev models.Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}
