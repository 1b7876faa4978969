package pubsub

import (
	"context"
	"sync"
)

const memoryBuffer = 1000

// Memory is an in-process Transport used when no NATS server is configured.
// Slow subscribers lose messages once their buffer fills.
type Memory struct {
	mu     sync.Mutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[*memorySub]struct{})}
}

func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for sub := range m.topics[topic] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(topic string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{owner: m, topic: topic, ch: make(chan []byte, memoryBuffer)}
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[*memorySub]struct{})
	}
	m.topics[topic][sub] = struct{}{}
	return sub, nil
}

// Subscribers reports how many live subscriptions topic has.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.topics = make(map[string]map[*memorySub]struct{})
	return nil
}

type memorySub struct {
	owner *Memory
	topic string
	ch    chan []byte
}

func (s *memorySub) Poll() ([]byte, bool) {
	select {
	case msg := <-s.ch:
		return msg, true
	default:
		return nil, false
	}
}

func (s *memorySub) Unsubscribe() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()

	subs := s.owner.topics[s.topic]
	delete(subs, s)
	if len(subs) == 0 {
		delete(s.owner.topics, s.topic)
	}
	return nil
}
