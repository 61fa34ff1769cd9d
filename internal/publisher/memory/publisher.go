// Package memory provides an in-process notification publisher. It backs
// single-process deployments where no Pub/Sub project is configured, and
// gives tests a way to inspect terminal-outcome notifications.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Notification captures one published terminal-outcome message.
type Notification struct {
	Topic   string
	Payload any
}

// Publisher records notifications instead of sending them anywhere.
type Publisher struct {
	mu    sync.RWMutex
	sent  []Notification
	byTop map[string]int
}

// New returns an empty in-process Publisher.
func New() *Publisher {
	return &Publisher{byTop: make(map[string]int)}
}

// Publish records the notification and returns a synthetic message id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, Notification{Topic: topic, Payload: payload})
	p.byTop[topic]++
	return fmt.Sprintf("memory-%d", len(p.sent)), nil
}

// Notifications returns a copy of everything published so far.
func (p *Publisher) Notifications() []Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Notification, len(p.sent))
	copy(out, p.sent)
	return out
}

// CountOn reports how many notifications were published on topic.
func (p *Publisher) CountOn(topic string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byTop[topic]
}
