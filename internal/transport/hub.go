package transport

import (
	"strings"
	"sync"
)

// Hub is an in-process publish/subscribe broker: every agent's Transport in
// a single process shares one Hub, each holding its own HubClient session.
// It is the embedded counterpart to a real network broker, with the
// retained-message store and last-will delivery a status-driven fleet
// needs.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[*HubClient]chan Message // topic -> subscribing clients
	retained    map[string]Message                     // topic -> last retained publish
	wills       map[*HubClient]Will
}

// NewHub creates an empty broker.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[*HubClient]chan Message),
		retained:    make(map[string]Message),
		wills:       make(map[*HubClient]Will),
	}
}

func (h *Hub) registerWill(c *HubClient, will *Will) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if will == nil {
		delete(h.wills, c)
		return
	}
	h.wills[c] = *will
}

// disconnectUngraceful simulates a dropped connection: the client's
// registered will, if any, is published.
func (h *Hub) disconnectUngraceful(c *HubClient) {
	h.mu.Lock()
	will, ok := h.wills[c]
	delete(h.wills, c)
	h.mu.Unlock()
	if ok {
		h.publish(will.Topic, will.Payload, will.Retain)
	}
	h.unsubscribeAll(c)
}

func (h *Hub) disconnectClean(c *HubClient) {
	h.mu.Lock()
	delete(h.wills, c)
	h.mu.Unlock()
	h.unsubscribeAll(c)
}

func (h *Hub) unsubscribeAll(c *HubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.subscribers {
		if ch, ok := subs[c]; ok {
			close(ch)
			delete(subs, c)
		}
		if len(subs) == 0 {
			delete(h.subscribers, topic)
		}
	}
}

func (h *Hub) subscribe(c *HubClient, topic string) <-chan Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Message, 64)
	if _, ok := h.subscribers[topic]; !ok {
		h.subscribers[topic] = make(map[*HubClient]chan Message)
	}
	h.subscribers[topic][c] = ch

	for rTopic, msg := range h.retained {
		if topicMatches(topic, rTopic) {
			m := msg
			m.Retained = true
			select {
			case ch <- m:
			default:
			}
		}
	}
	return ch
}

func (h *Hub) unsubscribe(c *HubClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[topic]; ok {
		if ch, ok := subs[c]; ok {
			close(ch)
			delete(subs, c)
		}
		if len(subs) == 0 {
			delete(h.subscribers, topic)
		}
	}
}

func (h *Hub) publish(topic string, payload []byte, retain bool) error {
	h.mu.Lock()
	if retain {
		if len(payload) == 0 {
			delete(h.retained, topic)
		} else {
			h.retained[topic] = Message{Topic: topic, Payload: payload}
		}
	}
	var targets []chan Message
	for subTopic, subs := range h.subscribers {
		if !topicMatches(subTopic, topic) {
			continue
		}
		for _, ch := range subs {
			targets = append(targets, ch)
		}
	}
	h.mu.Unlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// topicMatches reports whether publishTopic satisfies a subscription filter
// that may use "+" as a single-segment wildcard, matching the canonical
// "/"-delimited topic scheme of internal/envelope.
func topicMatches(filter, publishTopic string) bool {
	if filter == publishTopic {
		return true
	}
	fSegs := strings.Split(filter, "/")
	pSegs := strings.Split(publishTopic, "/")
	if len(fSegs) != len(pSegs) {
		return false
	}
	for i, fs := range fSegs {
		if fs == "+" {
			continue
		}
		if fs != pSegs[i] {
			return false
		}
	}
	return true
}
