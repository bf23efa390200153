package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/yukin371/quill/internal/core"
)

const readBufferSize = 4096

// Pump feeds r into h until the stream finishes, r is exhausted, the
// handler's idle timeout fires, or ctx is cancelled. It always returns the
// best-effort response; stream problems are reported through chunks and
// h.Err().
func Pump(ctx context.Context, r io.Reader, h Handler) *core.ChatResponse {
	type read struct {
		data []byte
		err  error
	}
	reads := make(chan read)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			buf := make([]byte, readBufferSize)
			n, err := r.Read(buf)
			select {
			case reads <- read{data: buf[:n], err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.HandleError(fmt.Errorf("stream cancelled: %w", ctx.Err()))
			return h.Complete()
		case <-h.Done():
			return h.Complete()
		case rd := <-reads:
			if len(rd.data) > 0 {
				h.ProcessChunk(rd.data)
			}
			if rd.err != nil {
				if !errors.Is(rd.err, io.EOF) {
					h.HandleError(fmt.Errorf("stream read failed: %w", rd.err))
				}
				return h.Complete()
			}
		}
	}
}
