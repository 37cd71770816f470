package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/soenet/limits"
	"github.com/opd-ai/soenet/metrics"
	"github.com/opd-ai/soenet/protocol"
)

// Engine owns one UDP socket and the sessions multiplexed over it.
type Engine struct {
	cfg     Config
	handler Handler
	log     *logrus.Entry
	clock   TimeProvider
	metrics *metrics.Metrics
	limiter *rate.Limiter

	conn  net.PacketConn
	table *sessionTable

	// acceptMu serializes session creation so one endpoint never holds two sessions.
	acceptMu sync.Mutex

	mu      sync.Mutex
	started bool
	params  protocol.Params
	udpLen  uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	errMu    sync.Mutex
	err      error
	done     chan struct{}
}

// New creates an engine. Nothing is bound until Start.
func New(cfg Config, h Handler, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidConfig)
	}

	limit := rate.Inf
	if cfg.NewSessionRate > 0 {
		limit = rate.Limit(cfg.NewSessionRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		handler: h,
		log:     logrus.WithField("component", "transport"),
		limiter: rate.NewLimiter(limit, cfg.NewSessionBurst),
		table:   newSessionTable(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = RealTimeProvider{}
	}
	return e, nil
}

// Start binds the socket and begins accepting sessions. The arguments are
// the parameters announced to every client in SessionReply.
func (e *Engine) Start(compression uint16, crcSeed uint32, crcLength uint8, udpLength uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	if e.started {
		return ErrAlreadyStarted
	}
	if crcLength > limits.MaxChecksumLength {
		return newEngineError("start", "", fmt.Errorf("%w: crc length %d", ErrInvalidConfig, crcLength))
	}
	if err := limits.ValidateUDPLength(udpLength); err != nil {
		return newEngineError("start", "", err)
	}

	if e.conn == nil {
		conn, err := net.ListenPacket("udp", e.cfg.ListenAddr)
		if err != nil {
			return newEngineError("listen", e.cfg.ListenAddr, err)
		}
		e.conn = conn
	}

	e.params = protocol.Params{CRCSeed: crcSeed, CRCLength: crcLength, Compression: compression}
	e.udpLen = udpLength
	e.started = true

	e.wg.Add(1)
	go e.readLoop()
	if e.cfg.IdleTimeout > 0 {
		e.wg.Add(1)
		go e.reapLoop()
	}

	e.log.WithFields(logrus.Fields{
		"local_addr":  e.conn.LocalAddr().String(),
		"compression": compression,
		"crc_length":  crcLength,
		"udp_length":  udpLength,
		"gateway":     e.cfg.Gateway,
	}).Info("Engine started")
	return nil
}

// Stop closes every session, the socket, and waits for all engine
// goroutines. It returns the fatal socket error, if one stopped the engine.
// Stop must not be called from a Handler method.
func (e *Engine) Stop() error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	e.shutdown()
	<-e.done
	return e.Err()
}

// Err returns the fatal error that stopped the engine, if any.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Done is closed once the engine has fully stopped.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Sessions returns the number of live sessions.
func (e *Engine) Sessions() int {
	return e.table.len()
}

// LocalAddr returns the bound socket address, or nil before Start.
func (e *Engine) LocalAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	return e.conn.LocalAddr()
}

func (e *Engine) shutdown() {
	e.stopOnce.Do(func() {
		for _, h := range e.table.close() {
			e.endSession(h, ReasonStopped)
		}
		e.cancel()
		if err := e.conn.Close(); err != nil {
			e.log.WithError(err).Debug("Socket close failed")
		}
		go func() {
			e.wg.Wait()
			close(e.done)
			e.log.Info("Engine stopped")
		}()
	})
}

// fatal records a socket failure and stops the engine.
func (e *Engine) fatal(err error) {
	e.errMu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.errMu.Unlock()

	e.log.WithError(err).Error("Socket failure, stopping engine")
	e.shutdown()
}

func (e *Engine) stopping() bool {
	return e.ctx.Err() != nil
}

// readLoop reads datagrams and routes them to sessions.
func (e *Engine) readLoop() {
	defer e.wg.Done()

	buffer := make([]byte, e.cfg.ReadBufferSize)
	for !e.stopping() {
		// Socket deadlines run on wall time regardless of the injected clock.
		_ = e.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, addr, err := e.conn.ReadFrom(buffer)
		if err != nil {
			if e.handleReadError(err) {
				return
			}
			continue
		}

		e.metrics.Received(n)
		data := make([]byte, n)
		copy(data, buffer[:n])
		e.route(data, addr)
	}
}

// handleReadError reports whether the read loop must exit.
func (e *Engine) handleReadError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	if e.stopping() || errors.Is(err, net.ErrClosed) {
		return true
	}
	e.fatal(newEngineError("read", e.conn.LocalAddr().String(), err))
	return true
}

// route hands one datagram to its session. It never blocks.
func (e *Engine) route(data []byte, addr net.Addr) {
	op, ok := protocol.PeekOpcode(data)
	if !ok {
		e.metrics.DecodeFailed("truncated")
		return
	}

	if op == protocol.OpSessionRequest {
		p, err := protocol.Decode(data, protocol.Params{})
		if err != nil {
			e.metrics.DecodeFailed(decodeReason(err))
			e.log.WithFields(logrus.Fields{
				"addr":  addr.String(),
				"error": err.Error(),
			}).Debug("Dropping malformed session request")
			return
		}
		e.accept(addr, p.(*protocol.SessionRequest))
		return
	}

	_, s, ok := e.table.lookup(addr.String())
	if !ok {
		e.log.WithFields(logrus.Fields{
			"addr":   addr.String(),
			"opcode": fmt.Sprintf("0x%04x", uint16(op)),
		}).Debug("Dropping datagram from unknown endpoint")
		return
	}
	s.touch(e.clock.Now())

	select {
	case s.inbox <- data:
	default:
		e.metrics.InboxDropped()
		s.log.Warn("Session inbox full, dropping datagram")
	}
}

// accept opens a session for req, replacing any session the endpoint had.
func (e *Engine) accept(addr net.Addr, req *protocol.SessionRequest) {
	e.acceptMu.Lock()
	defer e.acceptMu.Unlock()

	key := addr.String()
	if old, cur, ok := e.table.lookup(key); ok {
		if cur.info.ID == req.SessionID {
			// The client missed our reply; the session stands.
			e.resendReply(cur)
			return
		}
		e.endSession(old, ReasonSuperseded)
	}

	if err := limits.ValidateUDPLength(req.UDPLength); err != nil {
		e.metrics.SessionRejected()
		e.log.WithFields(logrus.Fields{
			"addr":       key,
			"udp_length": req.UDPLength,
		}).Debug("Rejecting session request")
		return
	}
	if !e.limiter.Allow() {
		e.metrics.SessionRejected()
		e.log.WithField("addr", key).Warn("Session admission rate exceeded, dropping request")
		return
	}

	e.mu.Lock()
	params, udpLen := e.params, e.udpLen
	e.mu.Unlock()

	s, err := newSession(e.ctx, addr, req, params, e.cfg, e.clock.Now())
	if err != nil {
		e.log.WithError(err).WithField("addr", key).Error("Session setup failed")
		return
	}

	s.log = e.log.WithFields(logrus.Fields{
		"session_id": req.SessionID,
		"addr":       key,
	})

	h, ok := e.table.insert(key, s)
	if !ok {
		s.close(ReasonStopped)
		s.cancel()
		return
	}
	s.info.Handle = h
	e.metrics.SessionStarted()

	reply, err := encodeReply(req.SessionID, params, udpLen)
	if err != nil {
		s.log.WithError(err).Error("Encoding session reply failed")
		e.endSession(h, ReasonClosed)
		return
	}
	s.queue.push(true, reply)

	s.log.WithFields(logrus.Fields{
		"protocol":   req.Protocol,
		"udp_length": req.UDPLength,
		"encrypted":  e.cfg.encryptionEnabled(),
	}).Info("Session established")

	e.wg.Add(4)
	go e.dispatchLoop(h, s)
	go e.drainLoop(h, s)
	go e.ackLoop(h, s)
	go e.outOfOrderLoop(h, s)
}

func encodeReply(id uint32, params protocol.Params, udpLen uint32) ([]byte, error) {
	return protocol.Encode(&protocol.SessionReply{
		SessionID:   id,
		CRCSeed:     params.CRCSeed,
		CRCLength:   params.CRCLength,
		Compression: params.Compression,
		UDPLength:   udpLen,
	}, params)
}

// resendReply answers a repeated SessionRequest for a live session.
func (e *Engine) resendReply(s *session) {
	e.mu.Lock()
	udpLen := e.udpLen
	e.mu.Unlock()

	reply, err := encodeReply(s.info.ID, s.params, udpLen)
	if err != nil {
		s.log.WithError(err).Error("Encoding session reply failed")
		return
	}
	s.queue.push(true, reply)
	s.log.Debug("Repeated session request, resending reply")
}

// endSession removes the session at h. It reports false for a stale handle.
func (e *Engine) endSession(h Handle, reason EndReason) bool {
	s, ok := e.table.remove(h)
	if !ok {
		return false
	}
	if !s.close(reason) {
		return false
	}
	e.metrics.SessionEnded(reason.String(), e.clock.Now().Sub(s.started))
	s.log.WithField("reason", reason.String()).Info("Session ended")
	s.cancel()
	return true
}

// Send queues payload on the session's reliable stream. Priority payloads
// jump ahead of queued traffic.
func (e *Engine) Send(h Handle, payload []byte, priority bool) error {
	return e.send(h, payload, priority, false)
}

// SendClear is Send with encryption skipped for this payload.
func (e *Engine) SendClear(h Handle, payload []byte, priority bool) error {
	return e.send(h, payload, priority, true)
}

func (e *Engine) send(h Handle, payload []byte, priority, clear bool) error {
	s, ok := e.table.get(h)
	if !ok {
		return ErrSessionClosed
	}
	if err := limits.ValidateMessageSize(payload, limits.MaxReassembledPayload-1); err != nil {
		return newEngineError("send", s.addrKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.queue.len() >= e.cfg.MaxQueuedPackets {
		return newEngineError("send", s.addrKey, ErrQueueFull)
	}

	emits, err := s.out.Write(payload, clear)
	if err != nil {
		return newEngineError("send", s.addrKey, err)
	}
	pkts := make([][]byte, 0, len(emits))
	for _, em := range emits {
		raw, err := s.encodeEmit(em)
		if err != nil {
			return newEngineError("send", s.addrKey, err)
		}
		pkts = append(pkts, raw)
	}
	s.queue.push(priority, pkts...)
	return nil
}

// SetEncryption switches encryption for both directions of the session.
func (e *Engine) SetEncryption(h Handle, on bool) error {
	s, ok := e.table.get(h)
	if !ok {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if err := s.in.SetEncryption(on); err != nil {
		return newEngineError("set encryption", s.addrKey, err)
	}
	if err := s.out.SetEncryption(on); err != nil {
		return newEngineError("set encryption", s.addrKey, err)
	}
	return nil
}

// ToggleEncryption flips the session's encryption and returns the new state.
func (e *Engine) ToggleEncryption(h Handle) (bool, error) {
	s, ok := e.table.get(h)
	if !ok {
		return false, ErrSessionClosed
	}
	s.mu.Lock()
	on := !s.out.Encrypted()
	s.mu.Unlock()

	if err := e.SetEncryption(h, on); err != nil {
		return false, err
	}
	return on, nil
}

// Disconnect tells the peer the session is over and closes it.
func (e *Engine) Disconnect(h Handle, reason uint16) error {
	s, ok := e.table.get(h)
	if !ok {
		return ErrSessionClosed
	}
	raw, err := protocol.Encode(&protocol.Disconnect{SessionID: s.info.ID, Reason: reason}, s.params)
	if err != nil {
		return newEngineError("disconnect", s.addrKey, err)
	}
	if !e.endSession(h, ReasonClosed) {
		return ErrSessionClosed
	}
	return e.write(s.addr, raw)
}

// write sends one datagram. A socket failure stops the engine.
func (e *Engine) write(addr net.Addr, raw []byte) error {
	n, err := e.conn.WriteTo(raw, addr)
	if err != nil {
		if e.stopping() {
			return ErrStopped
		}
		werr := newEngineError("write", addr.String(), err)
		e.fatal(werr)
		return werr
	}
	e.metrics.Sent(n)
	return nil
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, protocol.ErrTruncated):
		return "truncated"
	case errors.Is(err, protocol.ErrUnknownOpcode):
		return "unknown_opcode"
	case errors.Is(err, protocol.ErrBadCompression):
		return "compression"
	}
	return "other"
}
