package protocol

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// DefaultMaxFrameSize bounds a single frame when the caller sets no limit.
const DefaultMaxFrameSize = 4 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameReader reads length-prefixed envelopes from a byte stream.
type FrameReader struct {
	r       io.Reader
	maxSize uint32
	lenBuf  [4]byte
}

// NewFrameReader returns a FrameReader. A zero maxSize selects
// DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, maxSize: maxSize}
}

// ReadFrame blocks until a whole frame is read. io.EOF is returned unchanged
// when the stream ends on a frame boundary.
func (f *FrameReader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(f.r, f.lenBuf[:]); err != nil {
		return nil, err
	}
	size := Encoding.Uint32(f.lenBuf[:])
	if size > f.maxSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return UnmarshalFrame(buf)
}

// FrameWriter writes length-prefixed envelopes. It is safe for concurrent
// use; each frame is written atomically with respect to other frames.
type FrameWriter struct {
	mu      sync.Mutex
	w       io.Writer
	crc     bool
	maxSize uint32
}

// NewFrameWriter returns a FrameWriter. When crc is set every frame carries
// a CRC-32C of its payload.
func NewFrameWriter(w io.Writer, crc bool, maxSize uint32) *FrameWriter {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameWriter{w: w, crc: crc, maxSize: maxSize}
}

// WriteFrame serializes and writes a frame.
func (f *FrameWriter) WriteFrame(frame *Frame) error {
	data := MarshalFrame(frame, f.crc)
	if uint32(len(data)) > f.maxSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(data))
	Encoding.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.w.Write(buf)
	return err
}

// MaxPayload returns the largest payload that fits in one frame.
func (f *FrameWriter) MaxPayload() int {
	overhead := envelopeMinHeaderLen
	if f.crc {
		overhead += 4
	}
	return int(f.maxSize) - overhead
}
