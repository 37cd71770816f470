package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/soenet/limits"
	"github.com/opd-ai/soenet/protocol"
	"github.com/opd-ai/soenet/stream"
)

// session is the engine-side state of one remote endpoint.
type session struct {
	info    Session
	addr    net.Addr
	addrKey string
	params  protocol.Params
	started time.Time
	log     *logrus.Entry

	inbox chan []byte
	queue *sendQueue

	ctx    context.Context
	cancel context.CancelFunc

	// lastSeen is the unix nano time of the last datagram from the peer.
	lastSeen atomic.Int64

	mu          sync.Mutex
	closed      bool
	reason      EndReason
	in          *stream.Input
	out         *stream.Output
	lastAckSent uint16
	ackSent     bool
	gaps        []uint16
	gapSet      map[uint16]struct{}
}

func newSession(parent context.Context, addr net.Addr, req *protocol.SessionRequest, params protocol.Params, cfg Config, now time.Time) (*session, error) {
	in, err := stream.NewInput(cfg.Key)
	if err != nil {
		return nil, err
	}
	out, err := stream.NewOutput(cfg.Key)
	if err != nil {
		in.Close()
		return nil, err
	}
	if err := out.SetFragmentSize(limits.FragmentSize(req.UDPLength)); err != nil {
		in.Close()
		out.Close()
		return nil, err
	}
	if cfg.encryptionEnabled() {
		err := in.SetEncryption(true)
		if err == nil {
			err = out.SetEncryption(true)
		}
		if err != nil {
			in.Close()
			out.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(parent)
	s := &session{
		info: Session{
			ID:        req.SessionID,
			Addr:      addr,
			Protocol:  req.Protocol,
			UDPLength: req.UDPLength,
		},
		addr:    addr,
		addrKey: addr.String(),
		params:  params,
		started: now,
		inbox:   make(chan []byte, cfg.InboxSize),
		queue:   newSendQueue(),
		ctx:     ctx,
		cancel:  cancel,
		in:      in,
		out:     out,
		gapSet:  make(map[uint16]struct{}),
	}
	s.touch(now)
	return s, nil
}

func (s *session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// close marks the session closed and wipes its stream keys. It reports false
// if the session was already closed. The caller cancels s.ctx afterwards.
func (s *session) close(reason EndReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	s.in.Close()
	s.out.Close()
	s.gaps, s.gapSet = nil, nil
	return true
}

func (s *session) endReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// encodeEmit frames one reliable packet produced by the output stream.
func (s *session) encodeEmit(e stream.Emit) ([]byte, error) {
	if e.Fragment {
		return protocol.Encode(&protocol.DataFragment{Sequence: e.Sequence, Payload: e.Payload}, s.params)
	}
	return protocol.Encode(&protocol.Data{Sequence: e.Sequence, Payload: e.Payload}, s.params)
}

// noteGap records a missing sequence for the out-of-order loop. s.mu must be held.
func (s *session) noteGap(seq uint16) {
	if _, ok := s.gapSet[seq]; ok {
		return
	}
	s.gapSet[seq] = struct{}{}
	s.gaps = append(s.gaps, seq)
}

// takeGaps removes up to max recorded gaps the input stream has not filled
// since. s.mu must be held.
func (s *session) takeGaps(max int) []uint16 {
	var out []uint16
	n := 0
	for ; n < len(s.gaps) && len(out) < max; n++ {
		seq := s.gaps[n]
		delete(s.gapSet, seq)
		if s.in.Holds(seq) {
			continue
		}
		out = append(out, seq)
	}
	s.gaps = s.gaps[n:]
	return out
}
