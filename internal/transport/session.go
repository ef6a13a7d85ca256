package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// State is a session lifecycle phase. Transitions only move forward:
// Connecting -> Established -> Draining -> Closed, or Connecting -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateEstablished
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Identity is what the handshake negotiated.
type Identity struct {
	ServerName  string
	PeerSubject string
	ALPN        string
	Verified    bool
}

// Session is one secure QUIC connection to a single peer.
type Session struct {
	id      string
	inbound bool
	log     logrus.FieldLogger

	mu       sync.Mutex
	state    State
	conn     *quic.Conn
	stats    *counters
	identity Identity

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(inbound bool, log logrus.FieldLogger) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		inbound: inbound,
		log:     log.WithField("session", id),
		state:   StateConnecting,
		stats:   &counters{},
		done:    make(chan struct{}),
	}
}

// establish binds a completed handshake to the session. Only a Connecting
// session can be established.
func (s *Session) establish(conn *quic.Conn, stats *counters, verified bool) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot establish a %s session", ErrSessionClosed, st)
	}
	s.conn = conn
	if stats != nil {
		s.stats = stats
	}
	tlsState := conn.ConnectionState().TLS
	s.identity = Identity{
		ServerName: tlsState.ServerName,
		ALPN:       tlsState.NegotiatedProtocol,
		Verified:   verified,
	}
	if len(tlsState.PeerCertificates) > 0 {
		s.identity.PeerSubject = tlsState.PeerCertificates[0].Subject.String()
	}
	s.setStateLocked(StateEstablished)
	s.mu.Unlock()

	go s.monitor(conn.Context())
	return nil
}

// fail moves a session whose handshake did not complete straight to Closed.
func (s *Session) fail() {
	s.setClosed()
}

// monitor drains a session the peer or the idle timer closed, then marks it
// closed. A locally closed session is already draining.
func (s *Session) monitor(ctx context.Context) {
	<-ctx.Done()
	s.mu.Lock()
	if s.state == StateEstablished {
		s.log.WithField("cause", context.Cause(ctx)).Debug("Session closed by peer")
		s.setStateLocked(StateDraining)
	}
	s.mu.Unlock()
	s.setClosed()
}

func (s *Session) setClosed() {
	s.mu.Lock()
	s.setStateLocked(StateClosed)
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// setStateLocked records a transition. s.mu must be held.
func (s *Session) setStateLocked(to State) {
	if s.state == to {
		return
	}
	s.log.WithFields(logrus.Fields{"from": s.state, "to": to}).Debug("Session state changed")
	s.state = to
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Inbound() bool {
	return s.inbound
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// Stats never blocks on the network and keeps returning the last values
// after the session closed.
func (s *Session) Stats() StatsSnapshot {
	s.mu.Lock()
	c := s.stats
	s.mu.Unlock()
	return c.snapshot()
}

func (s *Session) established() (*quic.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, fmt.Errorf("%w: session is %s", ErrNotEstablished, s.state)
	}
	return s.conn, nil
}

// OpenStream opens the transfer stream. The peer's AcceptStream returns once
// the first bytes or the FIN arrive.
func (s *Session) OpenStream(ctx context.Context) (*SendHalf, *RecvHalf, error) {
	conn, err := s.established()
	if err != nil {
		return nil, nil, err
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open stream: %w", err)
	}
	s.log.WithField("stream", str.StreamID()).Debug("Opened stream")
	send, recv := newStream(str)
	return send, recv, nil
}

// AcceptStream waits for the first stream the peer opens.
func (s *Session) AcceptStream(ctx context.Context) (*SendHalf, *RecvHalf, error) {
	conn, err := s.established()
	if err != nil {
		return nil, nil, err
	}
	str, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("accept stream: %w", err)
	}
	s.log.WithField("stream", str.StreamID()).Debug("Accepted stream")
	send, recv := newStream(str)
	return send, recv, nil
}

// Close starts a graceful shutdown. It is idempotent and does not wait for
// the peer to acknowledge.
func (s *Session) Close(code uint64, reason string) {
	s.mu.Lock()
	if s.state != StateEstablished {
		if s.state == StateConnecting {
			s.mu.Unlock()
			s.setClosed()
			return
		}
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateDraining)
	conn := s.conn
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"code": code, "reason": reason}).Debug("Closing session")
	_ = conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// wait blocks until the session is closed or the timeout elapses.
func (s *Session) wait(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
