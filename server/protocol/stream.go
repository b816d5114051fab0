package protocol

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrStreamClosed is returned when writing to a closed sub-stream.
var ErrStreamClosed = errors.New("stream closed")

// StreamWriter writes a sub-stream bound to a request id as a sequence of
// StreamData frames terminated by StreamEnd on Close.
type StreamWriter struct {
	fw      *FrameWriter
	id      uint32
	command Command
	chunk   int
	mu      sync.Mutex
	closed  bool
}

// NewStreamWriter returns a writer for the sub-stream of request id.
func NewStreamWriter(fw *FrameWriter, id uint32, command Command) *StreamWriter {
	return &StreamWriter{fw: fw, id: id, command: command, chunk: fw.MaxPayload()}
}

// Write splits p across as many frames as needed.
func (s *StreamWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStreamClosed
	}
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > s.chunk {
			n = s.chunk
		}
		err := s.fw.WriteFrame(&Frame{
			Type:    MsgTypeStreamData,
			Command: s.command,
			ID:      s.id,
			Payload: p[:n],
		})
		if err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Close ends the sub-stream. It is safe to call more than once.
func (s *StreamWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.fw.WriteFrame(&Frame{Type: MsgTypeStreamEnd, Command: s.command, ID: s.id})
}

// StreamReader is the receiving end of a sub-stream. The connection's read
// loop pushes chunks into it while a handler consumes it as an io.Reader.
type StreamReader struct {
	chunks chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	cur    []byte
}

// NewStreamReader returns a StreamReader buffering up to depth chunks.
func NewStreamReader(depth int) *StreamReader {
	return &StreamReader{
		chunks: make(chan []byte, depth),
		done:   make(chan struct{}),
	}
}

// Push delivers a chunk. It blocks while the buffer is full and returns
// false once the reader has been closed.
func (s *StreamReader) Push(chunk []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// CloseWithError terminates the stream. A nil error means a clean end and
// surfaces as io.EOF once buffered chunks are drained.
func (s *StreamReader) CloseWithError(err error) {
	s.once.Do(func() {
		if err == nil {
			err = io.EOF
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *StreamReader) Read(p []byte) (int, error) {
	for len(s.cur) == 0 {
		select {
		case chunk := <-s.chunks:
			s.cur = chunk
			continue
		default:
		}
		select {
		case chunk := <-s.chunks:
			s.cur = chunk
		case <-s.done:
			// Drain anything that raced with the close.
			select {
			case chunk := <-s.chunks:
				s.cur = chunk
				continue
			default:
			}
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			return 0, err
		}
	}
	n := copy(p, s.cur)
	s.cur = s.cur[n:]
	return n, nil
}
