package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/copier"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/telemetry"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/transport"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/trust"
)

type ReceiverOptions struct {
	// File is created once the sender opened its stream.
	File   string
	Listen string
	Trust  *trust.ServerTrust

	StatsInterval time.Duration
	FinishTimeout time.Duration
	// Ready, if set, is called with the bound address before accepting.
	Ready     func(net.Addr)
	Transport []transport.Option
	History   Recorder
	Logger    logrus.FieldLogger
}

type Receiver struct {
	opts ReceiverOptions
	log  logrus.FieldLogger
}

func NewReceiver(opts ReceiverOptions) (*Receiver, error) {
	if opts.Trust == nil {
		return nil, fmt.Errorf("%w: receiver needs a certificate and key", trust.ErrConfig)
	}
	if opts.File == "" || opts.Listen == "" {
		return nil, fmt.Errorf("%w: receiver needs a file and a listen address", trust.ErrConfig)
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = DefaultFinishTimeout
	}

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Receiver{
		opts: opts,
		log:  log.WithFields(logrus.Fields{"role": RoleReceiver, "file": opts.File}),
	}, nil
}

// Run accepts one sender and writes its stream to the file. It blocks until
// ctx is cancelled if no sender connects. A failed transfer leaves no file.
func (r *Receiver) Run(ctx context.Context) (report *Report, err error) {
	report = &Report{Role: RoleReceiver, File: r.opts.File}
	defer func() { record(ctx, r.opts.History, r.log, report, err) }()

	ep, err := transport.Listen(r.opts.Listen, r.opts.Trust,
		append([]transport.Option{transport.WithLogger(r.log)}, r.opts.Transport...)...)
	if err != nil {
		return report, err
	}
	defer ep.Close()

	if r.opts.Ready != nil {
		r.opts.Ready(ep.LocalAddr())
	}

	sess, err := ep.AcceptOne(ctx)
	if err != nil {
		return report, err
	}
	report.fill(sess)
	log := r.log.WithFields(logrus.Fields{"session": sess.ID(), "peer": report.Peer})

	tel := telemetry.Spawn(ctx, sess, r.opts.StatsInterval, telemetry.LogReporter(log))
	defer tel.Stop()

	send, recv, err := sess.AcceptStream(ctx)
	if err != nil {
		sess.Close(CodeAborted, "no stream")
		return report, err
	}

	f, err := os.Create(r.opts.File)
	if err != nil {
		recv.Abort()
		sess.Close(CodeAborted, "cannot create file")
		return report, fmt.Errorf("%w: create %s: %w", copier.ErrIO, r.opts.File, err)
	}

	log.Info("Receiving file")
	// A read blocked on a stalled sender only returns once the stream is
	// cancelled.
	stopAbort := context.AfterFunc(ctx, recv.Abort)
	digest := sha256.New()
	report.Result, err = copier.Copy(ctx, f, recv, copier.WithDigest(digest))
	stopAbort()
	report.SHA256 = hex.EncodeToString(digest.Sum(nil))
	err = withCause(ctx, err)
	if err == nil {
		if cerr := f.Close(); cerr != nil {
			err = fmt.Errorf("%w: close %s: %w", copier.ErrIO, r.opts.File, cerr)
		}
	} else {
		_ = f.Close()
	}
	if err != nil {
		recv.Abort()
		sess.Close(CodeAborted, "copy failed")
		if rerr := os.Remove(r.opts.File); rerr != nil {
			log.WithError(rerr).Warn("Failed to remove partial file")
		}
		report.Stats = sess.Stats()
		return report, err
	}

	// Our FIN tells the sender everything arrived.
	finishCtx, cancel := context.WithTimeout(ctx, r.opts.FinishTimeout)
	if ferr := send.Finish(finishCtx); ferr != nil {
		log.WithError(ferr).Warn("Failed to acknowledge end of stream")
	}
	cancel()

	ep.WaitIdle(ctx)
	tel.Stop()

	report.Stats = sess.Stats()
	log.WithField("sha256", report.SHA256).Info(report.String())
	return report, nil
}
