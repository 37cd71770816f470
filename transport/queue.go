package transport

import "sync"

// sendQueue is a session's outbound datagram queue. Priority batches go to
// the front, keeping their internal order.
type sendQueue struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{signal: make(chan struct{}, 1)}
}

func (q *sendQueue) push(priority bool, pkts ...[]byte) {
	if len(pkts) == 0 {
		return
	}
	q.mu.Lock()
	if priority {
		items := make([][]byte, 0, len(pkts)+len(q.items))
		items = append(items, pkts...)
		q.items = append(items, q.items...)
	} else {
		q.items = append(q.items, pkts...)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *sendQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p, true
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ready is signalled after every push.
func (q *sendQueue) ready() <-chan struct{} {
	return q.signal
}
