package server

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nuid"
	"github.com/pkg/errors"

	"github.com/vaultlet/vaultlet/server/protocol"
)

const (
	// streamDepth bounds the chunks buffered for an inbound sub-stream
	// before the read loop blocks.
	streamDepth = 16

	// updateBacklog bounds pending ON_UPDATE notifications per connection.
	updateBacklog = 64

	// serverRequestBit marks ids of requests initiated by the server so they
	// never collide with client-assigned ids.
	serverRequestBit = 1 << 31
)

var errRequestFinished = errors.New("request finished")

// conn is one client connection speaking the framed protocol.
type conn struct {
	id     string
	server *Server
	rwc    io.ReadWriteCloser
	fr     *protocol.FrameReader
	fw     *protocol.FrameWriter
	stats  *connStats

	ctx    context.Context
	cancel context.CancelFunc

	updates chan string
	nextID  uint32

	mu      sync.Mutex
	streams map[uint32]*protocol.StreamReader

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newConn(s *Server, rwc io.ReadWriteCloser) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	maxFrame := uint32(s.config.MaxFrameBytes)
	return &conn{
		id:      nuid.Next(),
		server:  s,
		rwc:     rwc,
		fr:      protocol.NewFrameReader(rwc, maxFrame),
		fw:      protocol.NewFrameWriter(rwc, s.config.CRC, maxFrame),
		stats:   newConnStats(),
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan string, updateBacklog),
		nextID:  serverRequestBit,
		streams: make(map[uint32]*protocol.StreamReader),
	}
}

// serve runs the read loop until the peer disconnects or the connection is
// closed.
func (c *conn) serve() {
	defer c.close()
	c.server.logger.Debugf("api: Connection %s opened", c.id)

	c.wg.Add(1)
	go c.pushUpdates()

	for {
		frame, err := c.fr.ReadFrame()
		if err != nil {
			if err != io.EOF && c.ctx.Err() == nil {
				c.server.logger.Errorf("api: Connection %s read failed: %v", c.id, err)
			}
			return
		}
		c.stats.RecordReceived(len(frame.Payload))

		switch frame.Type {
		case protocol.MsgTypeRequest:
			c.handleRequest(frame)
		case protocol.MsgTypeStreamData:
			c.pushStream(frame)
		case protocol.MsgTypeStreamEnd:
			if stream := c.stream(frame.ID); stream != nil {
				stream.CloseWithError(nil)
			}
		case protocol.MsgTypeReply:
			// Acknowledgement of a server push.
		default:
			c.server.logger.Warnf("api: Connection %s sent unexpected %s frame", c.id, frame.Type)
		}
	}
}

func (c *conn) handleRequest(frame *protocol.Frame) {
	req := &request{
		id:      frame.ID,
		command: frame.Command,
		payload: frame.Payload,
		conn:    c,
	}
	var stream *protocol.StreamReader
	if frame.Stream {
		stream = protocol.NewStreamReader(streamDepth)
		c.mu.Lock()
		c.streams[frame.ID] = stream
		c.mu.Unlock()
		req.stream = stream
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		start := time.Now()
		reply, failed := c.server.dispatcher.dispatch(c.ctx, req)
		if stream != nil {
			stream.CloseWithError(errRequestFinished)
			c.mu.Lock()
			delete(c.streams, frame.ID)
			c.mu.Unlock()
		}
		if err := c.reply(req, reply); err != nil {
			failed = true
		} else if req.afterReply != nil {
			if err := req.afterReply(); err != nil {
				c.server.logger.Errorf("api: Failed to stream %s [id=%d]: %v", req.command, req.id, err)
				failed = true
			}
		}
		c.stats.RecordRequest(time.Since(start), failed)
	}()
}

// reply writes the reply frame. A reply too large for one frame is replaced
// with an error reply.
func (c *conn) reply(req *request, payload []byte) error {
	frame := &protocol.Frame{
		Type:    protocol.MsgTypeReply,
		Command: req.command,
		ID:      req.id,
		Payload: payload,
	}
	err := c.write(frame)
	if err == protocol.ErrFrameTooLarge {
		c.server.logger.Errorf("api: Reply to %s [id=%d] exceeds frame size", req.command, req.id)
		frame.Payload = encodeReply(&errorReply{Error: err.Error()})
		if werr := c.write(frame); werr != nil {
			return werr
		}
		return err
	}
	return err
}

func (c *conn) write(frame *protocol.Frame) error {
	if err := c.fw.WriteFrame(frame); err != nil {
		if err != protocol.ErrFrameTooLarge && c.ctx.Err() == nil {
			c.server.logger.Errorf("api: Connection %s write failed: %v", c.id, err)
		}
		return err
	}
	c.stats.RecordSent(len(frame.Payload))
	return nil
}

func (c *conn) stream(id uint32) *protocol.StreamReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// pushStream hands a chunk to the request consuming it. Chunks for unknown
// ids are dropped.
func (c *conn) pushStream(frame *protocol.Frame) {
	stream := c.stream(frame.ID)
	if stream == nil {
		c.server.logger.Debugf("api: Dropping stream data for unknown request %d", frame.ID)
		return
	}
	stream.Push(frame.Payload)
}

// newStreamWriter returns a writer for an outbound sub-stream bound to a
// request.
func (c *conn) newStreamWriter(id uint32, command protocol.Command) *protocol.StreamWriter {
	return protocol.NewStreamWriter(c.fw, id, command)
}

// notifyUpdate queues an ON_UPDATE push. It never blocks the caller; when
// the backlog is full the notification is dropped since a pending one
// already tells the client to refresh.
func (c *conn) notifyUpdate(vaultID string) {
	select {
	case c.updates <- vaultID:
	case <-c.ctx.Done():
	default:
		c.server.logger.Debugf("api: Update backlog full on %s, dropping notice for %s", c.id, vaultID)
	}
}

func (c *conn) pushUpdates() {
	defer c.wg.Done()
	for {
		select {
		case vaultID := <-c.updates:
			payload, err := json.Marshal(&updateNotice{VaultID: vaultID})
			if err != nil {
				continue
			}
			c.write(&protocol.Frame{
				Type:    protocol.MsgTypeRequest,
				Command: protocol.OnUpdate,
				ID:      atomic.AddUint32(&c.nextID, 1) | serverRequestBit,
				Payload: payload,
			})
		case <-c.ctx.Done():
			return
		}
	}
}

// close tears the connection down and waits for in-flight requests.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.rwc.Close()
		c.mu.Lock()
		for id, stream := range c.streams {
			stream.CloseWithError(io.ErrUnexpectedEOF)
			delete(c.streams, id)
		}
		c.mu.Unlock()
		c.wg.Wait()
		if c.server.manager != nil {
			c.server.manager.RemoveListener(c.id)
		}
		c.server.removeConn(c)
		c.server.logger.Infof("api: Connection %s closed %s", c.id, c.stats)
	})
}
