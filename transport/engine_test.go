package transport

import (
	"bytes"
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/soenet/protocol"
	"github.com/opd-ai/soenet/stream"
)

func TestSessionHandshake(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())

	reply := c.handshake(7)
	assert.Equal(t, &protocol.SessionReply{
		SessionID:   7,
		CRCSeed:     testSeed,
		CRCLength:   2,
		Compression: 256,
		UDPLength:   512,
	}, reply)

	s := waitFor(t, rec.started)
	assert.Equal(t, uint32(7), s.ID)
	assert.Equal(t, "X", s.Protocol)
	assert.Equal(t, uint32(512), s.UDPLength)
	assert.Equal(t, c.conn.LocalAddr().String(), s.Addr.String())
	assert.False(t, s.Handle.IsZero())
	assert.Equal(t, 1, e.Sessions())

	assertQuiet(t, rec.started, 50*time.Millisecond)
}

func TestDataDeliveredAndAcked(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	waitFor(t, rec.started)

	payload := bytes.Repeat([]byte("hello world "), 10)
	c.send(&protocol.Data{Sequence: 0, Payload: payload})

	got := waitFor(t, rec.data)
	assert.Equal(t, payload, got.payload)
	assert.Equal(t, uint32(7), got.session.ID)
	c.expect(isAck(0))
}

func TestUnknownEndpointDropped(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.params = protocol.Params{CRCSeed: testSeed, CRCLength: testCRCLength, Compression: testCompression}

	c.send(&protocol.Ping{})
	c.send(&protocol.Data{Sequence: 0, Payload: []byte("nope")})

	c.expectNone(func(protocol.Packet) bool { return true }, 100*time.Millisecond)
	assert.Zero(t, e.Sessions())
	assertQuiet(t, rec.started, 10*time.Millisecond)
}

func TestPingEchoed(t *testing.T) {
	e, _ := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)

	c.send(&protocol.Ping{})
	c.expect(isKind(protocol.KindPing))
}

func TestBadChecksumDropped(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	waitFor(t, rec.started)

	wrong := c.params
	wrong.CRCSeed++
	raw, err := protocol.Encode(&protocol.Data{Sequence: 0, Payload: []byte("corrupt")}, wrong)
	require.NoError(t, err)
	c.sendRaw(raw)
	assertQuiet(t, rec.data, 50*time.Millisecond)

	c.send(&protocol.Data{Sequence: 0, Payload: []byte("intact")})
	assert.Equal(t, []byte("intact"), waitFor(t, rec.data).payload)
}

func TestEncryptedRoundTrip(t *testing.T) {
	e, rec := startEngine(t, func(cfg *Config) {
		cfg.Gateway = false
		cfg.Key = testKey
	})
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	out, err := stream.NewOutput(testKey)
	require.NoError(t, err)
	require.NoError(t, out.SetEncryption(true))
	emits, err := out.Write([]byte("client secret"), false)
	require.NoError(t, err)
	require.Len(t, emits, 1)
	assert.NotEqual(t, []byte("client secret"), emits[0].Payload)
	c.send(&protocol.Data{Sequence: emits[0].Sequence, Payload: emits[0].Payload})

	assert.Equal(t, []byte("client secret"), waitFor(t, rec.data).payload)

	require.NoError(t, e.Send(s.Handle, []byte("server secret"), false))
	d := c.expect(isData(0)).(*protocol.Data)
	assert.NotEqual(t, []byte("server secret"), d.Payload)

	in, err := stream.NewInput(testKey)
	require.NoError(t, err)
	require.NoError(t, in.SetEncryption(true))
	res, err := in.Write(d.Payload, d.Sequence, false)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("server secret")}, res.Delivered)
}

func TestSendClearSkipsEncryption(t *testing.T) {
	e, rec := startEngine(t, func(cfg *Config) {
		cfg.Gateway = false
		cfg.Key = testKey
	})
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	require.NoError(t, e.SendClear(s.Handle, []byte("in the clear"), false))
	d := c.expect(isData(0)).(*protocol.Data)
	assert.Equal(t, []byte("in the clear"), d.Payload)
}

func TestGatewayDisablesEncryption(t *testing.T) {
	e, rec := startEngine(t, func(cfg *Config) {
		cfg.Gateway = true
		cfg.Key = testKey
	})
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	require.NoError(t, e.Send(s.Handle, []byte("relayed"), false))
	d := c.expect(isData(0)).(*protocol.Data)
	assert.Equal(t, []byte("relayed"), d.Payload)
}

func TestSendFragments(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	payload := make([]byte, 1300)
	rand.New(rand.NewSource(3)).Read(payload)
	payload[0] = 0x7f
	require.NoError(t, e.Send(s.Handle, payload, false))

	in, err := stream.NewInput(nil)
	require.NoError(t, err)

	var delivered [][]byte
	for i := 0; i < 3; i++ {
		p := c.expect(isKind(protocol.KindDataFragment)).(*protocol.DataFragment)
		assert.Equal(t, uint16(i), p.Sequence)
		assert.LessOrEqual(t, len(p.Payload), 505)
		res, err := in.Write(p.Payload, p.Sequence, true)
		require.NoError(t, err)
		delivered = append(delivered, res.Delivered...)
		c.send(&protocol.Ack{Sequence: res.Ack})
	}
	require.Len(t, delivered, 1)
	assert.Equal(t, payload, delivered[0])
}

func TestOutOfOrderResendsOnlyRequested(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Send(s.Handle, []byte{'p', byte('0' + i)}, false))
	}
	for i := 0; i < 3; i++ {
		c.expect(isData(uint16(i)))
	}

	c.send(&protocol.OutOfOrder{Sequence: 1})
	d := c.expect(isKind(protocol.KindData)).(*protocol.Data)
	assert.Equal(t, uint16(1), d.Sequence)
	assert.Equal(t, []byte("p1"), d.Payload)
	c.expectNone(isKind(protocol.KindData), 100*time.Millisecond)
}

func TestResendUnaffectedByBufferReuse(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	buf := []byte("original payload")
	require.NoError(t, e.Send(s.Handle, buf, false))
	first := c.expect(isData(0)).(*protocol.Data)
	copy(buf, "REUSED__ buffer!")

	c.send(&protocol.OutOfOrder{Sequence: 0})
	again := c.expect(isData(0)).(*protocol.Data)
	assert.Equal(t, []byte("original payload"), first.Payload)
	assert.Equal(t, first.Payload, again.Payload)
}

func TestMultiPacketCoalescesOutOfOrder(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Send(s.Handle, []byte{'p', byte('0' + i)}, false))
	}
	for i := 0; i < 3; i++ {
		c.expect(isData(uint16(i)))
	}

	c.send(&protocol.MultiPacket{Packets: []protocol.Packet{
		&protocol.OutOfOrder{Sequence: 0},
		&protocol.OutOfOrder{Sequence: 2},
		&protocol.Ping{},
		&protocol.OutOfOrder{Sequence: 1},
	}})

	// The pong and the resend are both priority traffic; their order is not fixed.
	var sawPing, sawResend bool
	deadline := time.Now().Add(waitTimeout)
	for !(sawPing && sawResend) && time.Now().Before(deadline) {
		switch p := c.read(time.Until(deadline)).(type) {
		case *protocol.Ping:
			sawPing = true
		case *protocol.Data:
			assert.Equal(t, uint16(2), p.Sequence)
			sawResend = true
		}
	}
	assert.True(t, sawPing)
	assert.True(t, sawResend)
	c.expectNone(isKind(protocol.KindData), 100*time.Millisecond)
}

func TestAckedPacketsAreNotResent(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Send(s.Handle, []byte{'p', byte('0' + i)}, false))
	}
	c.expect(isData(2))

	c.send(&protocol.Ack{Sequence: 1})
	c.send(&protocol.OutOfOrder{Sequence: 1})
	c.send(&protocol.OutOfOrder{Sequence: 2})

	d := c.expect(isKind(protocol.KindData)).(*protocol.Data)
	assert.Equal(t, uint16(2), d.Sequence)
	c.expectNone(isData(1), 100*time.Millisecond)
}

func TestGapProducesOutOfOrderNotice(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	waitFor(t, rec.started)

	c.send(&protocol.Data{Sequence: 1, Payload: []byte("second")})

	m := c.expect(isKind(protocol.KindMultiPacket)).(*protocol.MultiPacket)
	require.Len(t, m.Packets, 1)
	assert.Equal(t, &protocol.OutOfOrder{Sequence: 0}, m.Packets[0])
	assertQuiet(t, rec.data, 10*time.Millisecond)

	c.send(&protocol.Data{Sequence: 0, Payload: []byte("first")})
	assert.Equal(t, []byte("first"), waitFor(t, rec.data).payload)
	assert.Equal(t, []byte("second"), waitFor(t, rec.data).payload)
	c.expect(isAck(1))
}

func TestConsecutiveLossesAreAllRequested(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	waitFor(t, rec.started)

	// awaitRequests reads out-of-order batches until every wanted sequence
	// has been asked for.
	awaitRequests := func(want ...uint16) {
		t.Helper()
		pending := make(map[uint16]bool, len(want))
		for _, seq := range want {
			pending[seq] = true
		}
		for len(pending) > 0 {
			m := c.expect(isKind(protocol.KindMultiPacket)).(*protocol.MultiPacket)
			for _, sub := range m.Packets {
				ooo, ok := sub.(*protocol.OutOfOrder)
				require.True(t, ok, "unexpected %s in batch", sub.Kind())
				delete(pending, ooo.Sequence)
			}
		}
	}

	c.send(&protocol.Data{Sequence: 3, Payload: []byte("d3")})
	c.send(&protocol.Data{Sequence: 4, Payload: []byte("d4")})
	awaitRequests(0, 1, 2)

	c.send(&protocol.Data{Sequence: 0, Payload: []byte("d0")})
	assert.Equal(t, []byte("d0"), waitFor(t, rec.data).payload)
	awaitRequests(1, 2)

	c.send(&protocol.Data{Sequence: 1, Payload: []byte("d1")})
	c.send(&protocol.Data{Sequence: 2, Payload: []byte("d2")})
	for _, want := range []string{"d1", "d2", "d3", "d4"} {
		assert.Equal(t, []byte(want), waitFor(t, rec.data).payload)
	}
	c.expect(isAck(4))
}

func TestDuplicateDataDeliveredOnce(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	waitFor(t, rec.started)

	c.send(&protocol.Data{Sequence: 0, Payload: []byte("once")})
	c.send(&protocol.Data{Sequence: 0, Payload: []byte("once")})

	assert.Equal(t, []byte("once"), waitFor(t, rec.data).payload)
	assertQuiet(t, rec.data, 50*time.Millisecond)
}

func TestClientDisconnect(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	c.send(&protocol.Disconnect{SessionID: 7, Reason: 6})

	ev := waitFor(t, rec.ended)
	assert.Equal(t, ReasonDisconnect, ev.reason)
	assert.Equal(t, uint32(7), ev.session.ID)
	assert.Eventually(t, func() bool { return e.Sessions() == 0 }, waitTimeout, 5*time.Millisecond)
	assert.ErrorIs(t, e.Send(s.Handle, []byte("late"), false), ErrSessionClosed)

	c.send(&protocol.Data{Sequence: 0, Payload: []byte("after close")})
	assertQuiet(t, rec.data, 50*time.Millisecond)
}

func TestServerDisconnect(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	require.NoError(t, e.Disconnect(s.Handle, 5))

	d := c.expect(isKind(protocol.KindDisconnect)).(*protocol.Disconnect)
	assert.Equal(t, &protocol.Disconnect{SessionID: 7, Reason: 5}, d)
	assert.Equal(t, ReasonClosed, waitFor(t, rec.ended).reason)
	assert.ErrorIs(t, e.Disconnect(s.Handle, 5), ErrSessionClosed)
}

func TestReconnectSupersedesSession(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	first := waitFor(t, rec.started)

	c.handshake(8)
	ev := waitFor(t, rec.ended)
	assert.Equal(t, ReasonSuperseded, ev.reason)
	assert.Equal(t, uint32(7), ev.session.ID)

	second := waitFor(t, rec.started)
	assert.Equal(t, uint32(8), second.ID)
	assert.NotEqual(t, first.Handle, second.Handle)
	assert.Equal(t, 1, e.Sessions())

	assert.ErrorIs(t, e.Send(first.Handle, []byte("stale"), false), ErrSessionClosed)
	require.NoError(t, e.Send(second.Handle, []byte("fresh"), false))
	d := c.expect(isData(0)).(*protocol.Data)
	assert.Equal(t, []byte("fresh"), d.Payload)
}

func TestRepeatedSessionRequestResendsReply(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	first := c.handshake(7)
	s := waitFor(t, rec.started)

	again := c.handshake(7)
	assert.Equal(t, first, again)
	assertQuiet(t, rec.ended, 50*time.Millisecond)
	assertQuiet(t, rec.started, 10*time.Millisecond)
	assert.Equal(t, 1, e.Sessions())

	require.NoError(t, e.Send(s.Handle, []byte("still here"), false))
	d := c.expect(isData(0)).(*protocol.Data)
	assert.Equal(t, []byte("still here"), d.Payload)
}

func TestIdleSessionReaped(t *testing.T) {
	e, rec := startEngine(t, func(cfg *Config) {
		cfg.IdleTimeout = 80 * time.Millisecond
	})
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	waitFor(t, rec.started)

	ev := waitFor(t, rec.ended)
	assert.Equal(t, ReasonIdle, ev.reason)
	assert.Zero(t, e.Sessions())
}

func TestSessionAdmissionRateLimited(t *testing.T) {
	e, rec := startEngine(t, func(cfg *Config) {
		cfg.NewSessionRate = 0.001
		cfg.NewSessionBurst = 1
	})

	first := newTestClient(t, e.LocalAddr())
	first.handshake(1)
	waitFor(t, rec.started)

	second := newTestClient(t, e.LocalAddr())
	second.send(&protocol.SessionRequest{CRCLength: 2, SessionID: 2, UDPLength: testUDPLength, Protocol: "X"})
	second.expectNone(isKind(protocol.KindSessionReply), 100*time.Millisecond)
	assert.Equal(t, 1, e.Sessions())
}

func TestSessionRequestWithBadUDPLengthRejected(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())

	c.send(&protocol.SessionRequest{CRCLength: 2, SessionID: 1, UDPLength: 10, Protocol: "X"})
	c.expectNone(isKind(protocol.KindSessionReply), 100*time.Millisecond)
	assert.Zero(t, e.Sessions())
	assertQuiet(t, rec.started, 10*time.Millisecond)
}

func TestStopEndsSessions(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	waitFor(t, rec.started)

	require.NoError(t, e.Stop())
	assert.Equal(t, ReasonStopped, waitFor(t, rec.ended).reason)
	assert.Zero(t, e.Sessions())

	select {
	case <-e.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, e.Err())
	assert.ErrorIs(t, e.Start(0, 0, 0, testUDPLength), ErrStopped)
}

func TestStartValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Gateway = true

	e, err := New(cfg, HandlerFuncs{})
	require.NoError(t, err)
	assert.ErrorIs(t, e.Stop(), ErrNotStarted)
	assert.Nil(t, e.LocalAddr())

	err = e.Start(0, 0, 3, testUDPLength)
	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, "start", engErr.Op)

	assert.Error(t, e.Start(0, 0, 2, 10))

	require.NoError(t, e.Start(0, 0, 2, testUDPLength))
	assert.ErrorIs(t, e.Start(0, 0, 2, testUDPLength), ErrAlreadyStarted)
	require.NoError(t, e.Stop())
}

func TestStartBindFailure(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := DefaultConfig()
	cfg.ListenAddr = taken.LocalAddr().String()
	cfg.Gateway = true

	e, err := New(cfg, HandlerFuncs{})
	require.NoError(t, err)

	err = e.Start(0, 0, 0, testUDPLength)
	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, "listen", engErr.Op)
	assert.Equal(t, cfg.ListenAddr, engErr.Addr)
}

func TestSetEncryption(t *testing.T) {
	e, rec := startEngine(t, func(cfg *Config) {
		cfg.Gateway = false
		cfg.Key = testKey
	})
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	on, err := e.ToggleEncryption(s.Handle)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, e.Send(s.Handle, []byte("plain now"), false))
	d := c.expect(isData(0)).(*protocol.Data)
	assert.Equal(t, []byte("plain now"), d.Payload)

	on, err = e.ToggleEncryption(s.Handle)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestSetEncryptionWithoutKey(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	err := e.SetEncryption(s.Handle, true)
	assert.ErrorIs(t, err, stream.ErrNoKey)
	require.NoError(t, e.SetEncryption(s.Handle, false))

	assert.ErrorIs(t, e.SetEncryption(Handle{}, true), ErrSessionClosed)
}

func TestSendValidation(t *testing.T) {
	e, rec := startEngine(t, nil)
	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	s := waitFor(t, rec.started)

	err := e.Send(s.Handle, nil, false)
	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, "send", engErr.Op)

	assert.ErrorIs(t, e.Send(Handle{index: 99, generation: 1}, []byte("x"), false), ErrSessionClosed)
}

func TestHandlerCanSendFromCallback(t *testing.T) {
	e, rec := startEngine(t, nil)
	rec.mu.Lock()
	rec.onStart = func(s Session) {
		_ = e.Send(s.Handle, []byte("welcome"), true)
	}
	rec.mu.Unlock()

	c := newTestClient(t, e.LocalAddr())
	c.handshake(7)
	d := c.expect(isData(0)).(*protocol.Data)
	assert.Equal(t, []byte("welcome"), d.Payload)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"encryption without key", func(c *Config) { c.Gateway = false; c.Key = nil }},
		{"zero ack interval", func(c *Config) { c.AckInterval = 0 }},
		{"zero out-of-order interval", func(c *Config) { c.OutOfOrderInterval = 0 }},
		{"negative idle timeout", func(c *Config) { c.IdleTimeout = -time.Second }},
		{"zero inbox", func(c *Config) { c.InboxSize = 0 }},
		{"zero queue", func(c *Config) { c.MaxQueuedPackets = 0 }},
		{"tiny read buffer", func(c *Config) { c.ReadBufferSize = 1 }},
		{"negative rate", func(c *Config) { c.NewSessionRate = -1 }},
		{"rate without burst", func(c *Config) { c.NewSessionRate = 5; c.NewSessionBurst = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Key = testKey
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

			_, err := New(cfg, HandlerFuncs{})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.Key = testKey
	assert.NoError(t, cfg.Validate())

	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEndReasonString(t *testing.T) {
	assert.Equal(t, "disconnect", ReasonDisconnect.String())
	assert.Equal(t, "superseded", ReasonSuperseded.String())
	assert.Equal(t, "idle", ReasonIdle.String())
	assert.Equal(t, "closed", ReasonClosed.String())
	assert.Equal(t, "stopped", ReasonStopped.String())
	assert.Equal(t, "unknown", EndReason(0).String())
}
