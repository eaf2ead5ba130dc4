package codec

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"sync"
)

// Deflator compresses outbound frames on a shared zlib stream with a sync
// flush per frame, so clients can inflate incrementally. It is owned by
// one connection session and torn down on disconnect.
type Deflator struct {
	mu  sync.Mutex
	buf bytes.Buffer
	zw  *zlib.Writer
}

// NewDeflator creates a Deflator with a fresh zlib stream.
func NewDeflator() *Deflator {
	d := &Deflator{}
	d.zw = zlib.NewWriter(&d.buf)
	return d
}

// Compress appends the frame to the stream and returns the bytes produced
// for it, ending on a sync flush boundary.
//
// Postcondition: The returned slice is owned by the caller.
func (d *Deflator) Compress(frame []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.buf.Reset()
	if _, err := d.zw.Write(frame); err != nil {
		return nil, fmt.Errorf("compressing frame: %w", err)
	}
	if err := d.zw.Flush(); err != nil {
		return nil, fmt.Errorf("flushing compressed frame: %w", err)
	}

	out := make([]byte, d.buf.Len())
	copy(out, d.buf.Bytes())
	return out, nil
}

// Close releases the underlying stream.
func (d *Deflator) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zw.Close()
}

// Inflate decompresses one inbound zlib frame. Inbound frames are complete
// zlib units; a frame that does not decompress is handed back to the caller
// for the plain-text fallback.
func Inflate(frame []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("opening zlib frame: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("inflating frame: %w", err)
	}
	return out, nil
}
