package telemetry

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/transport"
)

type fakeSource struct {
	sent atomic.Uint64
	done chan struct{}
	once sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{done: make(chan struct{})}
}

func (f *fakeSource) Stats() transport.StatsSnapshot {
	n := f.sent.Add(1000)
	return transport.StatsSnapshot{BytesSent: n, StreamBytesSent: n, PacketsSent: n / 1000}
}

func (f *fakeSource) Done() <-chan struct{} { return f.done }

func (f *fakeSource) close() { f.once.Do(func() { close(f.done) }) }

func TestSpawnReportsSamples(t *testing.T) {
	src := newFakeSource()
	samples := make(chan Sample, 16)

	task := Spawn(context.Background(), src, 10*time.Millisecond, func(s Sample) {
		select {
		case samples <- s:
		default:
		}
	})
	defer task.Stop()

	var got []Sample
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case s := <-samples:
			got = append(got, s)
		case <-timeout:
			t.Fatalf("expected 3 samples, got %d", len(got))
		}
	}

	for i, s := range got {
		assert.Equal(t, uint64(1000), s.Delta.BytesSent, "sample %d", i)
		assert.Positive(t, s.Interval, "sample %d", i)
	}
	assert.Greater(t, got[2].Total.BytesSent, got[0].Total.BytesSent)
}

func TestLoopEndsWhenSourceCloses(t *testing.T) {
	src := newFakeSource()
	task := Spawn(context.Background(), src, time.Hour, func(Sample) {})

	src.close()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry loop did not observe the closed session")
	}
	task.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	task := Spawn(context.Background(), newFakeSource(), time.Hour, func(Sample) {})
	task.Stop()
	task.Stop()

	select {
	case <-task.Done():
	default:
		t.Fatal("expected loop to be done after Stop")
	}
}

func TestContextCancelEndsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := Spawn(ctx, newFakeSource(), time.Hour, func(Sample) {})
	cancel()

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry loop ignored context cancellation")
	}
}

func TestReporterPanicIsContained(t *testing.T) {
	task := Spawn(context.Background(), newFakeSource(), 5*time.Millisecond, func(Sample) {
		panic("reporter exploded")
	})

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected loop to terminate after reporter panic")
	}
	task.Stop()
}

func TestDefaultInterval(t *testing.T) {
	src := newFakeSource()
	task := Spawn(context.Background(), src, 0, func(Sample) {})
	src.close()
	task.Stop()
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	LogReporter(log)(Sample{
		Interval: 2 * time.Second,
		Total:    transport.StatsSnapshot{BytesSent: 4_000_000, PacketsSent: 10, StreamBytesSent: 4_000_000},
		Delta:    transport.StatsSnapshot{StreamBytesSent: 2_000_000},
	})

	line := buf.String()
	require.NotEmpty(t, line)
	assert.True(t, strings.Contains(line, `tx_rate="1.0 MB/s"`), line)
	assert.True(t, strings.Contains(line, "packets_tx=10"), line)
}
