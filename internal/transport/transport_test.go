package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/certgen"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/trust"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func serverTrust(t *testing.T, opts certgen.Options) (*trust.ServerTrust, *x509.Certificate) {
	t.Helper()
	if len(opts.Hosts) == 0 {
		opts.Hosts = []string{"localhost", "127.0.0.1"}
	}
	b, err := certgen.Generate(opts)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	st, err := trust.BuildServerTrust([][]byte{b.CertDER}, b.KeyDER)
	if err != nil {
		t.Fatalf("BuildServerTrust failed: %v", err)
	}
	return st, st.Leaf()
}

func skipTrust(t *testing.T) *trust.ClientTrust {
	t.Helper()
	ct, err := trust.BuildClientTrust(trust.SkipVerification{})
	if err != nil {
		t.Fatalf("BuildClientTrust failed: %v", err)
	}
	return ct
}

func verifyTrust(t *testing.T, roots ...*x509.Certificate) *trust.ClientTrust {
	t.Helper()
	pool := x509.NewCertPool()
	for _, r := range roots {
		pool.AddCert(r)
	}
	ct, err := trust.BuildClientTrust(trust.Verify{Roots: pool})
	if err != nil {
		t.Fatalf("BuildClientTrust failed: %v", err)
	}
	return ct
}

func newServer(t *testing.T, st *trust.ServerTrust) *Endpoint {
	t.Helper()
	server, err := Listen("127.0.0.1:0", st, WithLogger(testLogger()), WithDrainTimeout(time.Second))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func newClient(t *testing.T) *Endpoint {
	t.Helper()
	client, err := NewClientEndpoint("127.0.0.1:0", WithLogger(testLogger()), WithDrainTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewClientEndpoint failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// connectPair dials server from client and returns both ends of the session.
func connectPair(t *testing.T, ctx context.Context, server, client *Endpoint, ct *trust.ClientTrust) (*Session, *Session) {
	t.Helper()

	accepted := make(chan *Session, 1)
	errChan := make(chan error, 1)
	go func() {
		s, err := server.AcceptOne(ctx)
		if err != nil {
			errChan <- err
			return
		}
		accepted <- s
	}()

	clientSess, err := client.Connect(ctx, server.LocalAddr().String(), ct, "localhost")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case serverSess := <-accepted:
		return serverSess, clientSess
	case err := <-errChan:
		t.Fatalf("AcceptOne failed: %v", err)
	case <-ctx.Done():
		t.Fatal("Timeout waiting for connection")
	}
	return nil, nil
}

func TestListenAndClose(t *testing.T) {
	st, _ := serverTrust(t, certgen.Options{})
	server, err := Listen("127.0.0.1:0", st, WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	if server.LocalAddr() == nil {
		t.Error("Expected non-nil local address")
	}
	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestListenBindError(t *testing.T) {
	st, _ := serverTrust(t, certgen.Options{})
	server := newServer(t, st)

	if _, err := Listen(server.LocalAddr().String(), st, WithLogger(testLogger())); !errors.Is(err, ErrBind) {
		t.Errorf("Expected ErrBind for address in use, got %v", err)
	}
	if _, err := Listen("not an address", st, WithLogger(testLogger())); !errors.Is(err, ErrBind) {
		t.Errorf("Expected ErrBind for malformed address, got %v", err)
	}
	if _, err := Listen("127.0.0.1:0", nil); !errors.Is(err, trust.ErrConfig) {
		t.Errorf("Expected ErrConfig without trust, got %v", err)
	}
}

func TestConnectAccept(t *testing.T) {
	st, _ := serverTrust(t, certgen.Options{})
	server := newServer(t, st)
	client := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverSess, clientSess := connectPair(t, ctx, server, client, skipTrust(t))

	if serverSess.State() != StateEstablished || clientSess.State() != StateEstablished {
		t.Fatalf("Expected established sessions, got %s/%s", serverSess.State(), clientSess.State())
	}
	if !serverSess.Inbound() || clientSess.Inbound() {
		t.Error("Expected server session inbound and client session outbound")
	}
	if clientSess.RemoteAddr().String() != server.LocalAddr().String() {
		t.Errorf("Expected remote %s, got %s", server.LocalAddr(), clientSess.RemoteAddr())
	}

	id := clientSess.Identity()
	if id.ALPN != trust.ALPN {
		t.Errorf("Expected ALPN %q, got %q", trust.ALPN, id.ALPN)
	}
	if id.Verified {
		t.Error("Expected unverified identity with skip verification")
	}
	if id.PeerSubject == "" {
		t.Error("Expected peer subject to be recorded")
	}
}

func TestStreamTransferAndFinish(t *testing.T) {
	st, _ := serverTrust(t, certgen.Options{})
	server := newServer(t, st)
	client := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverSess, clientSess := connectPair(t, ctx, server, client, skipTrust(t))

	payload := []byte("hello over quic")
	received := make(chan []byte, 1)
	errChan := make(chan error, 1)

	go func() {
		send, recv, err := serverSess.AcceptStream(ctx)
		if err != nil {
			errChan <- err
			return
		}
		data, err := io.ReadAll(recv)
		if err != nil {
			errChan <- err
			return
		}
		if err := send.Finish(ctx); err != nil {
			errChan <- err
			return
		}
		received <- data
	}()

	send, _, err := clientSess.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if _, err := send.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := send.Finish(ctx); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != string(payload) {
			t.Errorf("Expected %q, got %q", payload, data)
		}
	case err := <-errChan:
		t.Fatalf("Server stream failed: %v", err)
	case <-ctx.Done():
		t.Fatal("Timeout waiting for payload")
	}

	stats := clientSess.Stats()
	if stats.PacketsSent == 0 || stats.BytesSent == 0 || stats.PacketsReceived == 0 {
		t.Errorf("Expected traffic counters, got %+v", stats)
	}
	if stats.StreamBytesSent < uint64(len(payload)) {
		t.Errorf("Expected at least %d stream bytes sent, got %d", len(payload), stats.StreamBytesSent)
	}

	clientSess.Close(0, "done")
	clientSess.Close(0, "done")
	client.WaitIdle(ctx)
	server.WaitIdle(ctx)

	select {
	case <-serverSess.Done():
	case <-ctx.Done():
		t.Fatal("Timeout waiting for server session to close")
	}
	if clientSess.State() != StateClosed || serverSess.State() != StateClosed {
		t.Errorf("Expected closed sessions, got %s/%s", clientSess.State(), serverSess.State())
	}

	if _, _, err := clientSess.OpenStream(ctx); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("Expected ErrNotEstablished after close, got %v", err)
	}
	if _, _, err := serverSess.AcceptStream(ctx); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("Expected ErrNotEstablished after close, got %v", err)
	}
	if after := clientSess.Stats(); after.BytesSent < stats.BytesSent {
		t.Errorf("Expected last-known stats after close, got %+v", after)
	}
}

func TestConnectVerifyRejectsForeignRoot(t *testing.T) {
	st, _ := serverTrust(t, certgen.Options{})
	_, foreign := serverTrust(t, certgen.Options{})
	server := newServer(t, st)
	client := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Connect(ctx, server.LocalAddr().String(), verifyTrust(t, foreign), "localhost")
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("Expected ErrHandshake, got %v", err)
	}
	if !errors.Is(err, trust.ErrTrust) {
		t.Errorf("Expected ErrTrust, got %v", err)
	}

	acceptCtx, acceptCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer acceptCancel()
	if s, err := server.AcceptOne(acceptCtx); err == nil {
		t.Errorf("Expected no accepted session, got %s", s.ID())
	}
}

func TestConnectVerifyAcceptsPinnedRoot(t *testing.T) {
	st, leaf := serverTrust(t, certgen.Options{})
	server := newServer(t, st)
	client := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, clientSess := connectPair(t, ctx, server, client, verifyTrust(t, leaf))
	if !clientSess.Identity().Verified {
		t.Error("Expected verified identity")
	}
	if clientSess.Identity().ServerName != "localhost" {
		t.Errorf("Expected server name localhost, got %q", clientSess.Identity().ServerName)
	}
}

func TestSkipVerificationAcceptsExpired(t *testing.T) {
	st, _ := serverTrust(t, certgen.Options{
		NotBefore: time.Now().Add(-48 * time.Hour),
		Validity:  time.Hour,
	})
	server := newServer(t, st)
	client := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverSess, clientSess := connectPair(t, ctx, server, client, skipTrust(t))
	if serverSess.State() != StateEstablished || clientSess.State() != StateEstablished {
		t.Errorf("Expected established sessions, got %s/%s", serverSess.State(), clientSess.State())
	}
}

func TestAcceptOneOnlyOnce(t *testing.T) {
	st, _ := serverTrust(t, certgen.Options{})
	server := newServer(t, st)
	client := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connectPair(t, ctx, server, client, skipTrust(t))

	if _, err := server.AcceptOne(ctx); !errors.Is(err, ErrAlreadyAccepted) {
		t.Errorf("Expected ErrAlreadyAccepted, got %v", err)
	}
	if _, err := client.AcceptOne(ctx); !errors.Is(err, ErrNotListening) {
		t.Errorf("Expected ErrNotListening on client endpoint, got %v", err)
	}
}

func TestAcceptOneBlocksUntilCancelled(t *testing.T) {
	st, _ := serverTrust(t, certgen.Options{})
	server := newServer(t, st)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := server.AcceptOne(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Error("Expected AcceptOne to block until the context expired")
	}
}

func TestConnectErrors(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Connect(ctx, "missing-port", skipTrust(t), ""); !errors.Is(err, ErrConnect) {
		t.Errorf("Expected ErrConnect for malformed address, got %v", err)
	}
	if _, err := client.Connect(ctx, "127.0.0.1:4433", nil, ""); !errors.Is(err, trust.ErrConfig) {
		t.Errorf("Expected ErrConfig without trust, got %v", err)
	}

	_ = client.Close()
	if _, err := client.Connect(ctx, "127.0.0.1:4433", skipTrust(t), ""); !errors.Is(err, ErrEndpointClosed) {
		t.Errorf("Expected ErrEndpointClosed, got %v", err)
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	// a bound socket that never answers
	silent := newClient(t)
	client, err := NewClientEndpoint("127.0.0.1:0", WithLogger(testLogger()), WithHandshakeTimeout(300*time.Millisecond))
	if err != nil {
		t.Fatalf("NewClientEndpoint failed: %v", err)
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.Connect(ctx, silent.LocalAddr().String(), skipTrust(t), "localhost")
	if !errors.Is(err, ErrHandshake) {
		t.Errorf("Expected ErrHandshake, got %v", err)
	}
	if errors.Is(err, trust.ErrTrust) {
		t.Errorf("Did not expect ErrTrust for a timeout, got %v", err)
	}
}

func TestSessionStateMachine(t *testing.T) {
	s := newSession(false, testLogger())
	if s.State() != StateConnecting {
		t.Fatalf("Expected connecting, got %s", s.State())
	}
	if _, _, err := s.OpenStream(context.Background()); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("Expected ErrNotEstablished while connecting, got %v", err)
	}

	s.fail()
	if s.State() != StateClosed {
		t.Fatalf("Expected closed after failure, got %s", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Expected Done to be closed")
	}

	if err := s.establish(nil, nil, false); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected a closed session to refuse a new handshake, got %v", err)
	}
	s.Close(0, "")
	if s.Stats() != (StatsSnapshot{}) {
		t.Errorf("Expected zero stats, got %+v", s.Stats())
	}
}

func TestPeerCloseDrainsBeforeClosed(t *testing.T) {
	st, _ := serverTrust(t, certgen.Options{})
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	server, err := Listen("127.0.0.1:0", st, WithLogger(log), WithDrainTimeout(time.Second))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })
	client := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverSess, clientSess := connectPair(t, ctx, server, client, skipTrust(t))
	clientSess.Close(0, "bye")

	select {
	case <-serverSess.Done():
	case <-ctx.Done():
		t.Fatal("Timeout waiting for the peer close")
	}

	var states []State
	for _, e := range hook.AllEntries() {
		if e.Message != "Session state changed" || e.Data["session"] != serverSess.ID() {
			continue
		}
		states = append(states, e.Data["to"].(State))
	}
	want := []State{StateEstablished, StateDraining, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}

func TestStatsSub(t *testing.T) {
	prev := StatsSnapshot{BytesSent: 100, PacketsSent: 2, StreamBytesReceived: 10}
	cur := StatsSnapshot{BytesSent: 350, PacketsSent: 5, StreamBytesReceived: 10}

	d := cur.Sub(prev)
	if d.BytesSent != 250 || d.PacketsSent != 3 || d.StreamBytesReceived != 0 {
		t.Errorf("unexpected delta %+v", d)
	}
	if cur.String() == "" {
		t.Error("Expected non-empty report")
	}
}
