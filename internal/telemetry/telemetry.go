// Package telemetry periodically samples session statistics for operators.
// It is advisory: it never reports errors to the transfer path.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/transport"
)

const DefaultInterval = time.Second

// Source is what the loop samples, usually a *transport.Session.
type Source interface {
	Stats() transport.StatsSnapshot
	Done() <-chan struct{}
}

// Sample is one report: the cumulative counters and their growth over the
// last interval.
type Sample struct {
	At       time.Time
	Interval time.Duration
	Total    transport.StatsSnapshot
	Delta    transport.StatsSnapshot
}

// ReportFunc consumes samples on the telemetry goroutine.
type ReportFunc func(Sample)

// Task is a running telemetry loop bound to one session.
type Task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Spawn starts sampling src every interval until ctx is cancelled, the task
// is stopped or src reports done. A reporter panic ends the loop quietly.
func Spawn(ctx context.Context, src Source, interval time.Duration, report ReportFunc) *Task {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer func() { _ = recover() }()
		run(ctx, src, interval, report)
	}()
	return t
}

func run(ctx context.Context, src Source, interval time.Duration, report ReportFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := src.Stats()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-src.Done():
			return
		case now := <-ticker.C:
			// the session may have closed while we waited
			select {
			case <-src.Done():
				return
			default:
			}

			cur := src.Stats()
			report(Sample{
				At:       now,
				Interval: now.Sub(last),
				Total:    cur,
				Delta:    cur.Sub(prev),
			})
			prev, last = cur, now
		}
	}
}

// Stop cancels the loop and waits for it to exit. It is idempotent.
func (t *Task) Stop() {
	t.stopOnce.Do(t.cancel)
	<-t.done
}

// Done is closed when the loop has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// LogReporter renders samples as log lines with per-interval rates.
func LogReporter(log logrus.FieldLogger) ReportFunc {
	return func(s Sample) {
		secs := s.Interval.Seconds()
		if secs <= 0 {
			secs = 1
		}
		log.WithFields(logrus.Fields{
			"tx_rate":      humanize.Bytes(uint64(float64(s.Delta.StreamBytesSent)/secs)) + "/s",
			"rx_rate":      humanize.Bytes(uint64(float64(s.Delta.StreamBytesReceived)/secs)) + "/s",
			"packets_tx":   s.Total.PacketsSent,
			"packets_rx":   s.Total.PacketsReceived,
			"packets_lost": s.Total.PacketsLost,
		}).Info(s.Total.String())
	}
}
