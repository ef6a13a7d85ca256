// Package transport manages QUIC endpoints and sessions for a single file
// transfer: binding, handshakes under a trust policy, the transfer stream and
// connection statistics.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/trust"
)

// Endpoint owns one UDP socket and the sessions created on it.
type Endpoint struct {
	opts options
	log  logrus.FieldLogger

	udp *net.UDPConn
	tr  *quic.Transport
	ln  *quic.Listener

	mu       sync.Mutex
	sessions []*Session
	tracers  map[quic.ConnectionTracingID]*counters
	accepted bool
	closed   bool
}

func bind(bindAddr string, opts []Option) (*Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %w", ErrBind, bindAddr, err)
	}
	udp, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", ErrBind, addr, err)
	}

	o := newOptions(opts)
	return &Endpoint{
		opts:    o,
		log:     o.logger.WithField("local", udp.LocalAddr().String()),
		udp:     udp,
		tr:      &quic.Transport{Conn: udp},
		tracers: make(map[quic.ConnectionTracingID]*counters),
	}, nil
}

// Listen binds an acceptor presenting the server trust material.
func Listen(bindAddr string, st *trust.ServerTrust, opts ...Option) (*Endpoint, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: server trust is required", trust.ErrConfig)
	}

	e, err := bind(bindAddr, opts)
	if err != nil {
		return nil, err
	}

	ln, err := e.tr.Listen(st.TLSConfig(e.opts.keyLog), e.opts.quicConfig(e.newTracer))
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	e.ln = ln
	e.log.Info("Listening")
	return e, nil
}

// NewClientEndpoint binds an initiator. An empty bindAddr picks an ephemeral
// port on all interfaces.
func NewClientEndpoint(bindAddr string, opts ...Option) (*Endpoint, error) {
	if bindAddr == "" {
		bindAddr = ":0"
	}
	return bind(bindAddr, opts)
}

func (e *Endpoint) LocalAddr() net.Addr {
	return e.udp.LocalAddr()
}

func (e *Endpoint) newTracer(ctx context.Context, _ logging.Perspective, _ quic.ConnectionID) *logging.ConnectionTracer {
	c := &counters{}
	if id, ok := ctx.Value(quic.ConnectionTracingKey).(quic.ConnectionTracingID); ok {
		e.mu.Lock()
		e.tracers[id] = c
		e.mu.Unlock()
	}
	return c.tracer()
}

// countersFor returns the statistics registered for conn by newTracer.
func (e *Endpoint) countersFor(conn *quic.Conn) *counters {
	id, ok := conn.Context().Value(quic.ConnectionTracingKey).(quic.ConnectionTracingID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.tracers[id]
	delete(e.tracers, id)
	return c
}

func (e *Endpoint) track(s *Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEndpointClosed
	}
	e.sessions = append(e.sessions, s)
	return nil
}

// AcceptOne waits for the first completed handshake and stops accepting
// further connections. It blocks until ctx is cancelled if nobody connects.
func (e *Endpoint) AcceptOne(ctx context.Context) (*Session, error) {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return nil, ErrEndpointClosed
	case e.ln == nil:
		e.mu.Unlock()
		return nil, ErrNotListening
	case e.accepted:
		e.mu.Unlock()
		return nil, ErrAlreadyAccepted
	}
	e.accepted = true
	e.mu.Unlock()

	conn, err := e.ln.Accept(ctx)
	if err != nil {
		e.mu.Lock()
		e.accepted = false
		e.mu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: accept: %w", ErrHandshake, err)
	}

	// In-flight handshakes are refused, the accepted session is unaffected.
	_ = e.ln.Close()

	s := newSession(true, e.log)
	if err := e.track(s); err != nil {
		_ = conn.CloseWithError(0, "endpoint closed")
		return nil, err
	}
	if err := s.establish(conn, e.countersFor(conn), false); err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	s.log.WithField("peer", conn.RemoteAddr().String()).Info("Got connection")
	return s, nil
}

// Connect performs a handshake with remoteAddr. expectedIdentity is the name
// the server certificate must carry; empty means the host part of remoteAddr.
func (e *Endpoint) Connect(ctx context.Context, remoteAddr string, ct *trust.ClientTrust, expectedIdentity string) (*Session, error) {
	if ct == nil {
		return nil, fmt.Errorf("%w: client trust is required", trust.ErrConfig)
	}

	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %w", ErrConnect, remoteAddr, err)
	}
	if expectedIdentity == "" {
		host, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnect, err)
		}
		expectedIdentity = host
	}

	s := newSession(false, e.log)
	if err := e.track(s); err != nil {
		return nil, err
	}

	var (
		rejectMu sync.Mutex
		rejected error
	)
	tlsConf := ct.TLSConfig(expectedIdentity, e.opts.keyLog, func(err error) {
		rejectMu.Lock()
		rejected = err
		rejectMu.Unlock()
	})

	s.log.WithFields(logrus.Fields{"peer": addr.String(), "server_name": expectedIdentity, "trust": ct.Mode().String()}).Debug("Connecting")
	conn, err := e.tr.Dial(ctx, addr, tlsConf, e.opts.quicConfig(e.newTracer))
	if err != nil {
		s.fail()
		rejectMu.Lock()
		defer rejectMu.Unlock()
		if rejected != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrHandshake, addr, rejected)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrHandshake, addr, err)
	}

	if err := s.establish(conn, e.countersFor(conn), !ct.Insecure()); err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	s.log.WithField("peer", addr.String()).Info("Got connection")
	return s, nil
}

// WaitIdle waits until every session on the endpoint is closed. Sessions still
// open after the drain timeout are closed locally.
func (e *Endpoint) WaitIdle(ctx context.Context) {
	e.mu.Lock()
	sessions := append([]*Session(nil), e.sessions...)
	e.mu.Unlock()

	for _, s := range sessions {
		if s.wait(ctx, e.opts.drainTimeout) {
			continue
		}
		s.log.WithField("timeout", e.opts.drainTimeout).Warn("Session did not drain in time")
		s.Close(0, "drain timeout")
		s.setClosed()
	}
}

// Close tears down the listener, all sessions and the socket. It is
// idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := e.sessions
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close(0, "endpoint closed")
	}
	if e.ln != nil {
		_ = e.ln.Close()
	}
	err := e.tr.Close()
	if cerr := e.udp.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}
