// Package inproc is an in-process pubsub for single-host setups and
// tests: one topic per machine, publication order preserved per topic,
// and a slow handler never blocks publishers or other subscriptions.
package inproc

import (
	"context"
	"sync"

	"github.com/oscoin/radicle/internal/domain"
	"github.com/oscoin/radicle/internal/ports"
)

type PubSub struct {
	mu     sync.Mutex
	topics map[string][]*subscription
	closed bool
}

func New() *PubSub {
	return &PubSub{topics: make(map[string][]*subscription)}
}

func (p *PubSub) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, domain.ErrNotStarted
	}

	sub := &subscription{
		pubsub: p,
		topic:  topic,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	p.topics[topic] = append(p.topics[topic], sub)

	go sub.deliver()
	return sub, nil
}

// Publish enqueues data on every live subscription of the topic. The
// pubsub lock serializes publishers, which is what gives subscribers a
// consistent per-topic order.
func (p *PubSub) Publish(ctx context.Context, topic string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.ErrNotStarted
	}
	for _, sub := range p.topics[topic] {
		sub.enqueue(data)
	}
	return nil
}

// Close tears down every subscription.
func (p *PubSub) Close() error {
	p.mu.Lock()
	topics := p.topics
	p.topics = make(map[string][]*subscription)
	p.closed = true
	p.mu.Unlock()

	for _, subs := range topics {
		for _, sub := range subs {
			sub.stop()
		}
	}
	return nil
}

func (p *PubSub) remove(topic string, target *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.topics[topic]
	for i, sub := range subs {
		if sub == target {
			p.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// subscription drains an unbounded FIFO on its own goroutine and runs
// the registered handlers sequentially, so handlers observe messages
// in publication order.
type subscription struct {
	pubsub *PubSub
	topic  string

	mu       sync.Mutex
	queue    [][]byte
	handlers []func([]byte)
	stopped  bool

	wake chan struct{}
	done chan struct{}
}

func (s *subscription) AddHandler(fn func(data []byte)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

func (s *subscription) Close() error {
	s.pubsub.remove(s.topic, s)
	s.stop()
	return nil
}

func (s *subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}

func (s *subscription) enqueue(data []byte) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) deliver() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 || s.stopped {
				s.mu.Unlock()
				break
			}
			data := s.queue[0]
			s.queue = s.queue[1:]
			handlers := make([]func([]byte), len(s.handlers))
			copy(handlers, s.handlers)
			s.mu.Unlock()

			for _, fn := range handlers {
				fn(data)
			}
		}
	}
}
