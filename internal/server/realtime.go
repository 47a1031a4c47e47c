package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tales/internal/progress"
	"github.com/MarcoPoloResearchLab/tales/internal/stories"
)

const (
	RealtimeEventStoryCompleted = "story-completed"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "tales-api"

	defaultRealtimeBufferSize = 16
)

// RealtimeMessage is one event delivered to the streams of a namespace.
type RealtimeMessage struct {
	Namespace  stories.Namespace
	EventType  string
	StoryID    stories.StoryID
	Percentage int
	Timestamp  time.Time
}

// RealtimeDispatcher fans events out to the open event streams of each namespace.
// Slow subscribers drop events rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[stories.Namespace]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[stories.Namespace]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBufferSize,
	}
}

// Subscribe registers a stream for namespace until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, namespace stories.Namespace) (<-chan RealtimeMessage, func()) {
	if namespace == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(namespace, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(namespace, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Namespace == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Namespace]
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

// PublishCompletion forwards the one-time completion signal of a story.
func (d *RealtimeDispatcher) PublishCompletion(namespace stories.Namespace, completed progress.Progress) {
	timestamp := completed.LastUpdatedAt
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	d.Publish(RealtimeMessage{
		Namespace:  namespace,
		EventType:  RealtimeEventStoryCompleted,
		StoryID:    completed.StoryID,
		Percentage: completed.Percentage,
		Timestamp:  timestamp,
	})
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(namespace stories.Namespace, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[namespace]; !ok {
		d.subscribers[namespace] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[namespace][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(namespace stories.Namespace, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[namespace]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, namespace)
		}
	}
	d.mu.Unlock()
}
