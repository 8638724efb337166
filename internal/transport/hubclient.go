package transport

import (
	"context"
	"fmt"
	"sync"
)

// HubClient is the default BrokerClient: a session against an in-process
// Hub. Real deployments can swap in a network-backed BrokerClient without
// touching Transport or anything above it.
type HubClient struct {
	hub *Hub

	mu        sync.Mutex
	connected bool
	topics    map[string]bool
}

// NewHubClient creates a client bound to hub. Connect must still be called.
func NewHubClient(hub *Hub) *HubClient {
	return &HubClient{hub: hub, topics: make(map[string]bool)}
}

func (c *HubClient) Connect(ctx context.Context, addr string, will *Will) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.hub.registerWill(c, will)
	return nil
}

func (c *HubClient) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("hubclient: publish on closed session")
	}
	return c.hub.publish(topic, payload, retain)
}

func (c *HubClient) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("hubclient: subscribe on closed session")
	}
	c.topics[topic] = true
	return c.hub.subscribe(c, topic), nil
}

func (c *HubClient) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
	c.hub.unsubscribe(c, topic)
	return nil
}

func (c *HubClient) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.hub.disconnectClean(c)
	return nil
}

// Drop simulates an ungraceful disconnect (network drop): the client's
// last-will, if registered, is published. Used by tests to exercise the
// last-will path; a network BrokerClient would trigger this internally on
// connection loss.
func (c *HubClient) Drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.hub.disconnectUngraceful(c)
}
