package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/soenet/protocol"
)

const (
	testSeed        uint32 = 0xDEADBEEF
	testCompression uint16 = 256
	testCRCLength   uint8  = 2
	testUDPLength   uint32 = 512
	waitTimeout            = 2 * time.Second
)

var testKey = []byte{0x17, 0xbd, 0x08, 0x6b, 0x1b, 0x94, 0xf0, 0x2f, 0xf0, 0xec, 0x53, 0xd7, 0x63, 0x58, 0x9b, 0x5f}

type endEvent struct {
	session Session
	reason  EndReason
}

type dataEvent struct {
	session Session
	payload []byte
}

// recorder is a Handler that forwards every event to a channel.
type recorder struct {
	started chan Session
	ended   chan endEvent
	data    chan dataEvent

	mu      sync.Mutex
	onStart func(Session)
}

func newRecorder() *recorder {
	return &recorder{
		started: make(chan Session, 16),
		ended:   make(chan endEvent, 16),
		data:    make(chan dataEvent, 64),
	}
}

func (r *recorder) OnSessionStarted(s Session) {
	r.mu.Lock()
	fn := r.onStart
	r.mu.Unlock()
	if fn != nil {
		fn(s)
	}
	r.started <- s
}

func (r *recorder) OnSessionEnded(s Session, reason EndReason) {
	r.ended <- endEvent{session: s, reason: reason}
}

func (r *recorder) OnData(s Session, payload []byte) {
	r.data <- dataEvent{session: s, payload: append([]byte(nil), payload...)}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	panic("unreachable")
}

func assertQuiet[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %+v", v)
	case <-time.After(d):
	}
}

// startEngine runs an engine on loopback with short loop intervals. Sessions
// are unencrypted unless mutate changes that.
func startEngine(t *testing.T, mutate func(*Config)) (*Engine, *recorder) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Gateway = true
	cfg.AckInterval = 5 * time.Millisecond
	cfg.OutOfOrderInterval = 20 * time.Millisecond
	cfg.NewSessionRate = 0
	if mutate != nil {
		mutate(&cfg)
	}

	rec := newRecorder()
	e, err := New(cfg, rec)
	require.NoError(t, err)
	require.NoError(t, e.Start(testCompression, testSeed, testCRCLength, testUDPLength))
	t.Cleanup(func() { _ = e.Stop() })
	return e, rec
}

// testClient speaks the wire protocol to an engine over loopback.
type testClient struct {
	t      *testing.T
	conn   net.PacketConn
	server net.Addr
	params protocol.Params
}

func newTestClient(t *testing.T, server net.Addr) *testClient {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, server: server}
}

func (c *testClient) send(p protocol.Packet) {
	c.t.Helper()
	raw, err := protocol.Encode(p, c.params)
	require.NoError(c.t, err)
	c.sendRaw(raw)
}

func (c *testClient) sendRaw(raw []byte) {
	c.t.Helper()
	_, err := c.conn.WriteTo(raw, c.server)
	require.NoError(c.t, err)
}

// read returns the next decoded packet, or nil once d elapses.
func (c *testClient) read(d time.Duration) protocol.Packet {
	c.t.Helper()
	buf := make([]byte, 65536)
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	n, _, err := c.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		require.NoError(c.t, err)
	}
	p, err := protocol.Decode(buf[:n], c.params)
	require.NoError(c.t, err)
	return p
}

// expect skips packets until one satisfies match.
func (c *testClient) expect(match func(protocol.Packet) bool) protocol.Packet {
	c.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		p := c.read(time.Until(deadline))
		if p != nil && match(p) {
			return p
		}
	}
	c.t.Fatal("timed out waiting for packet")
	return nil
}

// expectNone fails if a matching packet arrives within d.
func (c *testClient) expectNone(match func(protocol.Packet) bool, d time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		p := c.read(time.Until(deadline))
		if p != nil && match(p) {
			c.t.Fatalf("unexpected packet %s %+v", p.Kind(), p)
		}
	}
}

// handshake opens a session and adopts the parameters the server announced.
func (c *testClient) handshake(id uint32) *protocol.SessionReply {
	c.t.Helper()
	c.send(&protocol.SessionRequest{CRCLength: uint32(testCRCLength), SessionID: id, UDPLength: testUDPLength, Protocol: "X"})
	reply := c.expect(isKind(protocol.KindSessionReply)).(*protocol.SessionReply)
	c.params = protocol.Params{CRCSeed: reply.CRCSeed, CRCLength: reply.CRCLength, Compression: reply.Compression}
	return reply
}

func isKind(k protocol.Kind) func(protocol.Packet) bool {
	return func(p protocol.Packet) bool { return p.Kind() == k }
}

func isData(seq uint16) func(protocol.Packet) bool {
	return func(p protocol.Packet) bool {
		d, ok := p.(*protocol.Data)
		return ok && d.Sequence == seq
	}
}

func isAck(seq uint16) func(protocol.Packet) bool {
	return func(p protocol.Packet) bool {
		a, ok := p.(*protocol.Ack)
		return ok && a.Sequence == seq
	}
}
