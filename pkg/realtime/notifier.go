package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType names a voice processing event
type EventType string

const (
	EventVoiceAnalysis     EventType = "voice_analysis"
	EventSuspiciousPattern EventType = "suspicious_pattern"
	EventProcessingError   EventType = "processing_error"
	EventProcessingStopped EventType = "processing_stopped"
)

// Event is delivered to observers of a VoiceActivityProcessor
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Observer receives processor events on the notifier's dispatch goroutine
type Observer interface {
	OnVoiceEvent(event Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(event Event)

// OnVoiceEvent calls f(event)
func (f ObserverFunc) OnVoiceEvent(event Event) { f(event) }

// NotifierStats tracks event fan-out
type NotifierStats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failures  int64 `json:"failures"`
	Observers int   `json:"observers"`
}

// Notifier fans events out to observers through a bounded queue drained by
// a single dispatcher goroutine. Publishing never blocks: when the queue is
// full the event is dropped and counted. Close delivers everything already
// queued before returning.
type Notifier struct {
	logger *logrus.Entry

	mutex     sync.RWMutex
	events    chan Event
	observers map[int]Observer
	nextID    int
	closed    bool
	done      chan struct{}

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	failures  atomic.Int64
}

// NewNotifier creates a notifier with a queue of capacity events and starts
// its dispatcher
func NewNotifier(capacity int, logger *logrus.Logger) *Notifier {
	if capacity <= 0 {
		capacity = 256
	}
	n := &Notifier{
		logger:    logger.WithField("component", "voice_notifier"),
		events:    make(chan Event, capacity),
		observers: make(map[int]Observer),
		done:      make(chan struct{}),
	}
	go n.dispatch()
	return n
}

// Subscribe registers an observer and returns a function that removes it
func (n *Notifier) Subscribe(observer Observer) func() {
	n.mutex.Lock()
	id := n.nextID
	n.nextID++
	n.observers[id] = observer
	n.mutex.Unlock()

	return func() {
		n.mutex.Lock()
		delete(n.observers, id)
		n.mutex.Unlock()
	}
}

// Publish queues an event. It reports false when the event was dropped
// because the queue is full or the notifier is closed.
func (n *Notifier) Publish(event Event) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	n.mutex.RLock()
	defer n.mutex.RUnlock()

	if n.closed {
		n.dropped.Add(1)
		return false
	}

	select {
	case n.events <- event:
		n.published.Add(1)
		return true
	default:
		n.dropped.Add(1)
		n.logger.WithField("event_type", event.Type).Debug("Notifier queue full, dropping event")
		return false
	}
}

func (n *Notifier) dispatch() {
	defer close(n.done)
	for event := range n.events {
		n.mutex.RLock()
		observers := make([]Observer, 0, len(n.observers))
		for _, o := range n.observers {
			observers = append(observers, o)
		}
		n.mutex.RUnlock()

		for _, o := range observers {
			n.deliver(o, event)
		}
	}
}

func (n *Notifier) deliver(o Observer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			n.failures.Add(1)
			n.logger.WithFields(logrus.Fields{
				"event_type": event.Type,
				"panic":      r,
			}).Error("Observer panic recovered")
		}
	}()
	o.OnVoiceEvent(event)
	n.delivered.Add(1)
}

// Close stops accepting events and waits until queued events are delivered
func (n *Notifier) Close() {
	n.mutex.Lock()
	if n.closed {
		n.mutex.Unlock()
		<-n.done
		return
	}
	n.closed = true
	close(n.events)
	n.mutex.Unlock()

	<-n.done
}

// Stats returns fan-out counters
func (n *Notifier) Stats() NotifierStats {
	n.mutex.RLock()
	observers := len(n.observers)
	n.mutex.RUnlock()

	return NotifierStats{
		Published: n.published.Load(),
		Delivered: n.delivered.Load(),
		Dropped:   n.dropped.Load(),
		Failures:  n.failures.Load(),
		Observers: observers,
	}
}
