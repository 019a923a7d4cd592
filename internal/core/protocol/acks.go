package protocol

import (
	"sync"

	"github.com/oscoin/radicle/internal/domain"
)

// ackTable correlates in-flight send requests with the writer's
// Applied broadcasts. A waiter lives only for the duration of one send
// call; nothing here is persisted.
type ackTable struct {
	mu      sync.Mutex
	waiters map[string]chan domain.Message
}

func newAckTable() *ackTable {
	return &ackTable{waiters: make(map[string]chan domain.Message)}
}

// register opens a waiter for the nonce. The channel is buffered so a
// resolve racing the waiter's timeout never blocks the delivery
// goroutine.
func (t *ackTable) register(nonce string) chan domain.Message {
	ch := make(chan domain.Message, 1)
	t.mu.Lock()
	t.waiters[nonce] = ch
	t.mu.Unlock()
	return ch
}

// deregister removes the waiter; a matching Applied arriving afterwards
// is dropped harmlessly by resolve.
func (t *ackTable) deregister(nonce string) {
	t.mu.Lock()
	delete(t.waiters, nonce)
	t.mu.Unlock()
}

// resolve hands an Applied message to the waiter registered for its
// nonce. Messages with an absent or unknown nonce report false and
// have no effect.
func (t *ackTable) resolve(msg domain.Message) bool {
	if msg.Nonce == "" {
		return false
	}

	t.mu.Lock()
	ch, ok := t.waiters[msg.Nonce]
	if ok {
		delete(t.waiters, msg.Nonce)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}
