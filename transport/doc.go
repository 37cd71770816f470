// Package transport runs SOE sessions over a single UDP socket.
//
// An [Engine] owns the socket and a table of sessions keyed by remote
// endpoint. A SessionRequest from a new endpoint opens a session, the engine
// answers with a SessionReply carrying its checksum seed and length,
// compression flag and maximum datagram size, and from then on every datagram
// from that endpoint belongs to the session until it disconnects, goes idle
// or is replaced by a fresh request.
//
// # Usage
//
//	e, err := transport.New(cfg, transport.HandlerFuncs{
//	    Data: func(s transport.Session, payload []byte) {
//	        log.Printf("%s sent %d bytes", s.Addr, len(payload))
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	if err := e.Start(256, seed, 2, 512); err != nil {
//	    return err
//	}
//	defer e.Stop()
//
// # Concurrency
//
// Each session runs its own goroutines: one decodes inbound datagrams and
// calls the [Handler], one drains the send queue, and two tickers emit
// acknowledgments and out-of-order notices. Handler callbacks for a session
// never run concurrently with each other and may call Send. They must not
// call Stop.
//
// Sessions are referenced by [Handle]. A handle outlives its session safely:
// using it after the session ends returns ErrSessionClosed.
//
// # Time
//
// Timers and idle tracking go through a [TimeProvider] so tests can drive the
// clock directly with WithTimeProvider.
package transport
