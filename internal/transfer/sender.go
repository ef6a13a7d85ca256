package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/copier"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/telemetry"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/transport"
	"github.com/rudransh-shrivastava/quic-file-transfer/internal/trust"
)

type SenderOptions struct {
	// File is read and streamed to the receiver.
	File        string
	Destination string
	// Bind is the local UDP address, empty for an ephemeral port.
	Bind string
	// ServerName is the identity the receiver certificate must carry. Empty
	// means the host part of Destination.
	ServerName string
	Trust      *trust.ClientTrust

	StatsInterval time.Duration
	FinishTimeout time.Duration
	// Progress, if set, receives a byte progress bar.
	Progress  io.Writer
	Transport []transport.Option
	History   Recorder
	Logger    logrus.FieldLogger
}

type Sender struct {
	opts SenderOptions
	log  logrus.FieldLogger
}

func NewSender(opts SenderOptions) (*Sender, error) {
	if opts.Trust == nil {
		return nil, fmt.Errorf("%w: sender needs a client trust policy", trust.ErrConfig)
	}
	if opts.File == "" || opts.Destination == "" {
		return nil, fmt.Errorf("%w: sender needs a file and a destination", trust.ErrConfig)
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = DefaultFinishTimeout
	}

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sender{
		opts: opts,
		log:  log.WithFields(logrus.Fields{"role": RoleSender, "file": opts.File}),
	}, nil
}

// Run sends the file and returns once the receiver acknowledged the end of
// the stream and the session closed.
func (s *Sender) Run(ctx context.Context) (report *Report, err error) {
	report = &Report{Role: RoleSender, File: s.opts.File}
	defer func() { record(ctx, s.opts.History, s.log, report, err) }()

	f, err := os.Open(s.opts.File)
	if err != nil {
		return report, fmt.Errorf("%w: open %s: %w", copier.ErrIO, s.opts.File, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return report, fmt.Errorf("%w: stat %s: %w", copier.ErrIO, s.opts.File, err)
	}

	if s.opts.Trust.Insecure() {
		s.log.Warn("Server certificate verification is disabled")
	}

	ep, err := transport.NewClientEndpoint(s.opts.Bind, s.endpointOptions()...)
	if err != nil {
		return report, err
	}
	defer ep.Close()

	sess, err := ep.Connect(ctx, s.opts.Destination, s.opts.Trust, s.opts.ServerName)
	if err != nil {
		return report, err
	}
	report.fill(sess)
	log := s.log.WithFields(logrus.Fields{"session": sess.ID(), "peer": report.Peer})

	send, _, err := sess.OpenStream(ctx)
	if err != nil {
		sess.Close(CodeAborted, "open stream failed")
		return report, err
	}

	tel := telemetry.Spawn(ctx, sess, s.opts.StatsInterval, telemetry.LogReporter(log))
	defer tel.Stop()

	digest := sha256.New()
	copyOpts := []copier.Option{copier.WithDigest(digest)}
	if s.opts.Progress != nil {
		bar := newProgressBar(s.opts.Progress, info.Size(), "sending")
		defer func() { _ = bar.Finish() }()
		copyOpts = append(copyOpts, copier.WithProgress(bar))
	}

	log.WithField("size", info.Size()).Info("Sending file")
	// Writes blocked on flow control only return once the stream is reset.
	stopAbort := context.AfterFunc(ctx, send.Abort)
	report.Result, err = copier.Copy(ctx, send, f, copyOpts...)
	stopAbort()
	report.SHA256 = hex.EncodeToString(digest.Sum(nil))
	err = withCause(ctx, err)
	if err != nil {
		send.Abort()
		sess.Close(CodeAborted, "copy failed")
		report.Stats = sess.Stats()
		return report, err
	}

	finishCtx, cancel := context.WithTimeout(ctx, s.opts.FinishTimeout)
	err = send.Finish(finishCtx)
	cancel()
	if err != nil {
		sess.Close(CodeAborted, "finish failed")
		report.Stats = sess.Stats()
		return report, err
	}

	sess.Close(CodeDone, "done")
	ep.WaitIdle(ctx)
	tel.Stop()

	report.Stats = sess.Stats()
	log.WithField("sha256", report.SHA256).Info(report.String())
	return report, nil
}

func (s *Sender) endpointOptions() []transport.Option {
	return append([]transport.Option{transport.WithLogger(s.log)}, s.opts.Transport...)
}

func newProgressBar(w io.Writer, size int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(w) }),
	)
}
