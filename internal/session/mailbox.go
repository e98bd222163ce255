package session

import "sync"

type envelope struct {
	event event
	done  chan struct{}
}

// mailbox is an unbounded FIFO. post never blocks, so engine callbacks can
// fire from any goroutine, including the session loop itself.
type mailbox struct {
	mu     sync.Mutex
	queue  []envelope
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(e envelope) {
	m.mu.Lock()
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) ready() <-chan struct{} {
	return m.signal
}

func (m *mailbox) drain() []envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}
