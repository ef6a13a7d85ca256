package transport

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/quic-go/quic-go/logging"
)

// StatsSnapshot is a point in time copy of a session's cumulative counters.
type StatsSnapshot struct {
	BytesSent            uint64
	BytesReceived        uint64
	PacketsSent          uint64
	PacketsReceived      uint64
	PacketsLost          uint64
	FramesSent           uint64
	FramesReceived       uint64
	StreamFramesSent     uint64
	StreamFramesReceived uint64
	StreamBytesSent      uint64
	StreamBytesReceived  uint64
}

// Sub returns the counter growth since prev.
func (s StatsSnapshot) Sub(prev StatsSnapshot) StatsSnapshot {
	return StatsSnapshot{
		BytesSent:            s.BytesSent - prev.BytesSent,
		BytesReceived:        s.BytesReceived - prev.BytesReceived,
		PacketsSent:          s.PacketsSent - prev.PacketsSent,
		PacketsReceived:      s.PacketsReceived - prev.PacketsReceived,
		PacketsLost:          s.PacketsLost - prev.PacketsLost,
		FramesSent:           s.FramesSent - prev.FramesSent,
		FramesReceived:       s.FramesReceived - prev.FramesReceived,
		StreamFramesSent:     s.StreamFramesSent - prev.StreamFramesSent,
		StreamFramesReceived: s.StreamFramesReceived - prev.StreamFramesReceived,
		StreamBytesSent:      s.StreamBytesSent - prev.StreamBytesSent,
		StreamBytesReceived:  s.StreamBytesReceived - prev.StreamBytesReceived,
	}
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("udp tx %s/%d pkts, rx %s/%d pkts, lost %d, frames tx %d (stream %d), rx %d (stream %d)",
		humanize.Bytes(s.BytesSent), s.PacketsSent,
		humanize.Bytes(s.BytesReceived), s.PacketsReceived,
		s.PacketsLost,
		s.FramesSent, s.StreamFramesSent,
		s.FramesReceived, s.StreamFramesReceived,
	)
}

// counters is fed by the quic-go connection tracer and read concurrently by
// Session.Stats.
type counters struct {
	mu sync.Mutex
	s  StatsSnapshot
}

func (c *counters) snapshot() StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

func (c *counters) sent(size logging.ByteCount, ack *logging.AckFrame, frames []logging.Frame) {
	streamFrames, streamBytes := countStreamFrames(frames)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.BytesSent += uint64(size)
	c.s.PacketsSent++
	c.s.FramesSent += uint64(len(frames))
	if ack != nil {
		c.s.FramesSent++
	}
	c.s.StreamFramesSent += streamFrames
	c.s.StreamBytesSent += streamBytes
}

func (c *counters) received(size logging.ByteCount, frames []logging.Frame) {
	streamFrames, streamBytes := countStreamFrames(frames)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.BytesReceived += uint64(size)
	c.s.PacketsReceived++
	c.s.FramesReceived += uint64(len(frames))
	c.s.StreamFramesReceived += streamFrames
	c.s.StreamBytesReceived += streamBytes
}

func (c *counters) lost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.PacketsLost++
}

func (c *counters) tracer() *logging.ConnectionTracer {
	return &logging.ConnectionTracer{
		SentLongHeaderPacket: func(_ *logging.ExtendedHeader, size logging.ByteCount, _ logging.ECN, ack *logging.AckFrame, frames []logging.Frame) {
			c.sent(size, ack, frames)
		},
		SentShortHeaderPacket: func(_ *logging.ShortHeader, size logging.ByteCount, _ logging.ECN, ack *logging.AckFrame, frames []logging.Frame) {
			c.sent(size, ack, frames)
		},
		ReceivedLongHeaderPacket: func(_ *logging.ExtendedHeader, size logging.ByteCount, _ logging.ECN, frames []logging.Frame) {
			c.received(size, frames)
		},
		ReceivedShortHeaderPacket: func(_ *logging.ShortHeader, size logging.ByteCount, _ logging.ECN, frames []logging.Frame) {
			c.received(size, frames)
		},
		LostPacket: func(logging.EncryptionLevel, logging.PacketNumber, logging.PacketLossReason) {
			c.lost()
		},
	}
}

func countStreamFrames(frames []logging.Frame) (n, size uint64) {
	for _, f := range frames {
		switch sf := f.(type) {
		case *logging.StreamFrame:
			n++
			size += uint64(sf.Length)
		case logging.StreamFrame:
			n++
			size += uint64(sf.Length)
		}
	}
	return n, size
}
