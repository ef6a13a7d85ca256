package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/rudransh-shrivastava/quic-file-transfer/internal/copier"
)

// Stream error codes sent in RESET_STREAM / STOP_SENDING frames.
const (
	StreamCodeCancelled quic.StreamErrorCode = 1
)

// SendHalf is the writing direction of the transfer stream.
type SendHalf struct {
	str *quic.Stream
}

// RecvHalf is the reading direction of the transfer stream.
type RecvHalf struct {
	str *quic.Stream
}

func newStream(str *quic.Stream) (*SendHalf, *RecvHalf) {
	return &SendHalf{str: str}, &RecvHalf{str: str}
}

func (h *SendHalf) Write(p []byte) (int, error) {
	return h.str.Write(p)
}

// Finish half-closes the stream and waits until the peer finishes its own
// half in return, which it does after reading everything we sent. Bytes the
// peer sends back are discarded. Closing the session before Finish returns
// can truncate the transfer on the receiving side.
func (h *SendHalf) Finish(ctx context.Context) error {
	if err := h.str.Close(); err != nil {
		return fmt.Errorf("%w: finish stream: %w", copier.ErrIO, err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, h.str)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%w: wait for peer finish: %w", copier.ErrIO, err)
		}
		return nil
	case <-ctx.Done():
		h.str.CancelRead(StreamCodeCancelled)
		<-errCh
		return fmt.Errorf("%w: wait for peer finish: %w", copier.ErrIO, ctx.Err())
	}
}

// Abort resets the sending direction; the peer's reads fail.
func (h *SendHalf) Abort() {
	h.str.CancelWrite(StreamCodeCancelled)
}

func (h *RecvHalf) Read(p []byte) (int, error) {
	return h.str.Read(p)
}

// Abort tells the peer to stop sending.
func (h *RecvHalf) Abort() {
	h.str.CancelRead(StreamCodeCancelled)
}
