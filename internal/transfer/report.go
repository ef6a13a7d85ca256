// Package transfer drives one file transfer end to end: trust, session,
// stream, copy, telemetry and the final report.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/copier"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/history"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/transport"
)

type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Application close codes carried in CONNECTION_CLOSE.
const (
	CodeDone    uint64 = 0
	CodeAborted uint64 = 1
)

// DefaultFinishTimeout bounds the wait for the peer to acknowledge the end
// of the stream.
const DefaultFinishTimeout = 30 * time.Second

// Recorder persists finished transfers, usually a *history.Store.
type Recorder interface {
	Record(ctx context.Context, t *history.Transfer) error
}

// Report summarizes one transfer. Result holds what was copied even when
// the transfer failed.
type Report struct {
	Role      Role
	File      string
	Peer      string
	SessionID string
	Result    copier.Result
	Stats     transport.StatsSnapshot

	// SHA256 is the hex digest of the streamed bytes; sender and receiver
	// digests match for a complete transfer.
	SHA256 string
}

func (r *Report) String() string {
	verb := "Sent"
	if r.Role == RoleReceiver {
		verb = "Received"
	}
	return verb + " " + r.Result.String()
}

func (r *Report) entry(err error) *history.Transfer {
	t := &history.Transfer{
		SessionID:  r.SessionID,
		Role:       string(r.Role),
		File:       r.File,
		Peer:       r.Peer,
		Bytes:      r.Result.Bytes,
		DurationMS: r.Result.Elapsed.Milliseconds(),
		Throughput: r.Result.Throughput(),
		SHA256:     r.SHA256,
		Status:     history.StatusOK,
	}
	if err != nil {
		t.Status = history.StatusFailed
		t.Error = err.Error()
	}
	return t
}

// record stores the outcome; the ledger never changes the transfer result.
func record(ctx context.Context, rec Recorder, log logrus.FieldLogger, r *Report, err error) {
	if rec == nil {
		return
	}
	if rerr := rec.Record(context.WithoutCancel(ctx), r.entry(err)); rerr != nil {
		log.WithError(rerr).Warn("Failed to record transfer history")
	}
}

// withCause marks a copy failure caused by cancellation so callers can match
// the context error.
func withCause(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil || errors.Is(err, ctx.Err()) {
		return err
	}
	return fmt.Errorf("%w: %w", ctx.Err(), err)
}

func (r *Report) fill(s *transport.Session) {
	r.SessionID = s.ID()
	if addr := s.RemoteAddr(); addr != nil {
		r.Peer = addr.String()
	}
}
