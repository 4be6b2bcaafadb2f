package mockapi

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

type hubMessage struct {
	topic string
	data  []byte
}

// subscriber is one open stream waiting on a topic
type subscriber struct {
	topic string
	send  chan []byte
}

// Hub fans published payloads out to the streams subscribed to their topic.
// A subscriber that cannot keep up is dropped and its channel closed.
type Hub struct {
	subscribers map[*subscriber]bool
	broadcast   chan hubMessage
	register    chan *subscriber
	unregister  chan *subscriber
	done        chan struct{}
	logger      *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]bool),
		broadcast:   make(chan hubMessage, 256),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run owns the subscriber set until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for sub := range h.subscribers {
				delete(h.subscribers, sub)
				close(sub.send)
			}
			return
		case sub := <-h.register:
			h.subscribers[sub] = true
		case sub := <-h.unregister:
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				close(sub.send)
			}
		case msg := <-h.broadcast:
			for sub := range h.subscribers {
				if sub.topic != msg.topic {
					continue
				}
				select {
				case sub.send <- msg.data:
				default:
					h.logger.Warn("dropping slow subscriber", zap.String("topic", sub.topic))
					delete(h.subscribers, sub)
					close(sub.send)
				}
			}
		}
	}
}

// Subscribe registers a subscriber for topic. The returned value is nil
// when the hub has stopped.
func (h *Hub) Subscribe(topic string) *subscriber {
	sub := &subscriber{topic: topic, send: make(chan []byte, 64)}
	select {
	case h.register <- sub:
		return sub
	case <-h.done:
		return nil
	}
}

func (h *Hub) Unsubscribe(sub *subscriber) {
	if sub == nil {
		return
	}
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish sends payload to every subscriber of topic
func (h *Hub) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal hub message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- hubMessage{topic: topic, data: data}:
	case <-h.done:
	}
}
