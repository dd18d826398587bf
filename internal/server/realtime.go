package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/rojgar/internal/messaging"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "rojgar-backend"
	realtimeBufferSize     = 16
)

// RealtimeMessage is one event queued for one profile's open streams.
type RealtimeMessage struct {
	ProfileID      string
	EventType      string
	ConversationID string
	ActorID        string
	MessageIDs     []string
	AtMs           int64
}

// RealtimeDispatcher fans messaging events out to subscribed profiles. Slow subscribers
// miss events rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers a stream for the profile until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, profileID string) (<-chan RealtimeMessage, func()) {
	if profileID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(profileID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(profileID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements messaging.EventPublisher.
func (d *RealtimeDispatcher) Publish(event messaging.Event) {
	if event.Type == "" {
		return
	}
	for _, recipient := range event.RecipientIDs {
		d.deliver(RealtimeMessage{
			ProfileID:      recipient.String(),
			EventType:      string(event.Type),
			ConversationID: event.ConversationID,
			ActorID:        event.ActorID.String(),
			MessageIDs:     event.MessageIDs,
			AtMs:           event.AtMs,
		})
	}
}

func (d *RealtimeDispatcher) deliver(message RealtimeMessage) {
	if message.ProfileID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.ProfileID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many streams the profile has open.
func (d *RealtimeDispatcher) SubscriberCount(profileID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[profileID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(profileID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[profileID]; !ok {
		d.subscribers[profileID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[profileID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(profileID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[profileID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, profileID)
		}
	}
	d.mu.Unlock()
}
