package transport

import (
	"github.com/opd-ai/soenet/limits"
	"github.com/opd-ai/soenet/protocol"
)

// drainLoop writes queued datagrams as soon as they are available.
func (e *Engine) drainLoop(h Handle, s *session) {
	defer e.wg.Done()

	for {
		for {
			if _, ok := e.table.get(h); !ok {
				return
			}
			raw, ok := s.queue.pop()
			if !ok {
				break
			}
			if err := e.write(s.addr, raw); err != nil {
				return
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.queue.ready():
		}
	}
}

// ackLoop sends a priority Ack whenever the input cursor moved since the
// last one sent.
func (e *Engine) ackLoop(h Handle, s *session) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.cfg.AckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !e.sendAck(h) {
				return
			}
		}
	}
}

// sendAck reports false once the handle is stale.
func (e *Engine) sendAck(h Handle) bool {
	s, ok := e.table.get(h)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	cursor, ok := s.in.Cursor()
	if !ok || (s.ackSent && cursor == s.lastAckSent) {
		return true
	}
	raw, err := protocol.Encode(&protocol.Ack{Sequence: cursor}, s.params)
	if err != nil {
		s.log.WithError(err).Error("Encoding ack failed")
		return true
	}
	s.queue.push(true, raw)
	s.lastAckSent, s.ackSent = cursor, true
	e.metrics.AckSent()
	return true
}

// outOfOrderLoop periodically asks the peer for missing sequences, batching
// them into one MultiPacket.
func (e *Engine) outOfOrderLoop(h Handle, s *session) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.cfg.OutOfOrderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !e.sendOutOfOrder(h) {
				return
			}
		}
	}
}

func (e *Engine) sendOutOfOrder(h Handle) bool {
	s, ok := e.table.get(h)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	gaps := s.takeGaps(limits.MaxOutOfOrderBatch)
	if len(gaps) == 0 {
		return true
	}
	multi := &protocol.MultiPacket{Packets: make([]protocol.Packet, 0, len(gaps))}
	for _, seq := range gaps {
		multi.Packets = append(multi.Packets, &protocol.OutOfOrder{Sequence: seq})
	}
	raw, err := protocol.Encode(multi, s.params)
	if err != nil {
		s.log.WithError(err).Error("Encoding out-of-order batch failed")
		return true
	}
	s.queue.push(true, raw)
	e.metrics.OutOfOrderNoticesSent(len(gaps))
	s.log.WithField("count", len(gaps)).Debug("Sent out-of-order notices")
	return true
}

// reapLoop closes sessions that have been silent longer than IdleTimeout.
func (e *Engine) reapLoop() {
	defer e.wg.Done()

	interval := e.cfg.IdleTimeout / 4
	if interval <= 0 {
		interval = e.cfg.IdleTimeout
	}
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			now := e.clock.Now()
			for _, h := range e.table.handles() {
				s, ok := e.table.get(h)
				if !ok || s.idleSince(now) < e.cfg.IdleTimeout {
					continue
				}
				e.endSession(h, ReasonIdle)
			}
		}
	}
}
