package transport

import (
	"context"
	"io"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
	"github.com/sirupsen/logrus"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIdleTimeout      = 30 * time.Second
	DefaultKeepAlive        = 10 * time.Second
	DefaultDrainTimeout     = 3 * time.Second
)

type options struct {
	logger           logrus.FieldLogger
	keyLog           io.Writer
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	keepAlive        time.Duration
	drainTimeout     time.Duration
}

// Option configures an Endpoint.
type Option func(*options)

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithKeyLog writes TLS secrets in NSS key log format, for packet captures.
func WithKeyLog(w io.Writer) Option {
	return func(o *options) { o.keyLog = w }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.keepAlive = d }
}

// WithDrainTimeout bounds how long WaitIdle waits for sessions to close.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

func newOptions(opts []Option) options {
	o := options{
		logger:           logrus.StandardLogger(),
		handshakeTimeout: DefaultHandshakeTimeout,
		idleTimeout:      DefaultIdleTimeout,
		keepAlive:        DefaultKeepAlive,
		drainTimeout:     DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	return o
}

// quicConfig returns the transport defaults with newTracer hooked in for
// per connection statistics.
func (o options) quicConfig(newTracer func(context.Context, logging.Perspective, quic.ConnectionID) *logging.ConnectionTracer) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: o.handshakeTimeout,
		MaxIdleTimeout:       o.idleTimeout,
		KeepAlivePeriod:      o.keepAlive,
		Tracer:               newTracer,
	}
}
