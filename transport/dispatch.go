package transport

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/soenet/protocol"
	"github.com/opd-ai/soenet/stream"
)

// dispatchLoop decodes the session's datagrams in arrival order and makes
// every consumer call for the session.
func (e *Engine) dispatchLoop(h Handle, s *session) {
	defer e.wg.Done()

	e.handler.OnSessionStarted(s.info)
	for {
		select {
		case <-s.ctx.Done():
			e.handler.OnSessionEnded(s.info, s.endReason())
			return
		case raw := <-s.inbox:
			e.handleDatagram(h, s, raw)
		}
	}
}

func (e *Engine) handleDatagram(h Handle, s *session, raw []byte) {
	p, err := protocol.Decode(raw, s.params)
	if err != nil {
		e.metrics.DecodeFailed(decodeReason(err))
		// Corruption is expected on real links; checksum drops stay quiet.
		if !errors.Is(err, protocol.ErrChecksumMismatch) {
			s.log.WithError(err).Debug("Dropping undecodable datagram")
		}
		return
	}
	e.dispatch(h, s, p)
}

// dispatch applies one decoded packet to the session.
func (e *Engine) dispatch(h Handle, s *session, p protocol.Packet) {
	switch p := p.(type) {
	case *protocol.SessionRequest:
		e.accept(s.addr, p)
	case *protocol.SessionReply:
		s.log.Debug("Ignoring session reply from client")
	case *protocol.MultiPacket:
		e.dispatchMulti(h, s, p)
	case *protocol.Disconnect:
		if p.SessionID != s.info.ID {
			s.log.WithField("disconnect_session_id", p.SessionID).Debug("Disconnect for a different session id, closing anyway")
		}
		e.endSession(h, ReasonDisconnect)
	case *protocol.Ping:
		e.pong(s)
	case *protocol.NetStatusRequest:
		s.log.WithFields(logrus.Fields{
			"client_tick":      p.ClientTickCount,
			"packets_sent":     p.PacketsSent,
			"packets_received": p.PacketsReceived,
		}).Debug("Net status request")
	case *protocol.Data:
		if e.onChannel(s, p.Channel) {
			e.receive(s, p.Sequence, p.Payload, false)
		}
	case *protocol.DataFragment:
		if e.onChannel(s, p.Channel) {
			e.receive(s, p.Sequence, p.Payload, true)
		}
	case *protocol.Ack:
		if e.onChannel(s, p.Channel) {
			e.ack(s, p.Sequence)
		}
	case *protocol.OutOfOrder:
		if e.onChannel(s, p.Channel) {
			e.resend(s, p.Sequence)
		}
	case *protocol.FatalError:
		s.log.Warn("Peer reported a fatal error")
	case *protocol.FatalErrorReply:
		s.log.Debug("Fatal error reply")
	default:
		s.log.WithField("kind", p.Kind().String()).Debug("Unhandled packet kind")
	}
}

// dispatchMulti dispatches each sub-packet in order, except that OutOfOrder
// notices are coalesced into one resend of the highest sequence.
func (e *Engine) dispatchMulti(h Handle, s *session, m *protocol.MultiPacket) {
	if m.Skipped > 0 {
		e.metrics.DecodeFailed("multi_packet_entry")
		s.log.WithField("skipped", m.Skipped).Debug("Dropped sub-packets of multi packet")
	}

	var highest uint16
	found := false
	for _, sub := range m.Packets {
		if ooo, ok := sub.(*protocol.OutOfOrder); ok {
			if ooo.Channel != 0 {
				continue
			}
			if !found {
				highest, found = ooo.Sequence, true
			} else {
				highest = stream.Max(highest, ooo.Sequence)
			}
			continue
		}
		e.dispatch(h, s, sub)
	}
	if found {
		e.resend(s, highest)
	}
}

// onChannel reports whether a channel-bearing packet is on the single
// reliable channel the engine runs.
func (e *Engine) onChannel(s *session, channel uint8) bool {
	if channel == 0 {
		return true
	}
	s.log.WithField("channel", channel).Debug("Dropping packet for unsupported channel")
	return false
}

func (e *Engine) pong(s *session) {
	raw, err := protocol.Encode(&protocol.Ping{}, s.params)
	if err != nil {
		s.log.WithError(err).Error("Encoding ping failed")
		return
	}
	s.queue.push(true, raw)
}

// receive feeds a reliable packet to the input stream and hands whatever it
// completes to the consumer.
func (e *Engine) receive(s *session, seq uint16, payload []byte, fragment bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	res, err := s.in.Write(payload, seq, fragment)
	for _, seq := range res.Missing {
		s.noteGap(seq)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).WithField("sequence", seq).Warn("Dropped undeliverable payload")
	}
	for _, data := range res.Delivered {
		e.metrics.PayloadDelivered()
		e.handler.OnData(s.info, data)
	}
}

func (e *Engine) ack(s *session, seq uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if n := s.out.Ack(seq); n > 0 {
		s.log.WithFields(logrus.Fields{
			"sequence": seq,
			"evicted":  n,
		}).Debug("Ack")
	}
}

// resend re-queues the retained packet at seq, if there still is one.
func (e *Engine) resend(s *session, seq uint16) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	em, ok := s.out.ResendData(seq)
	s.mu.Unlock()
	if !ok {
		return
	}

	raw, err := s.encodeEmit(em)
	if err != nil {
		s.log.WithError(err).Error("Encoding resend failed")
		return
	}
	e.metrics.Resent()
	s.queue.push(true, raw)
}
