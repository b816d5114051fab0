package server

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultlet/vaultlet/server/protocol"
)

const testTimeout = 5 * time.Second

type dummyLogger struct {
	sync.Mutex
	msg string
}

func (d *dummyLogger) logf(format string, args ...interface{}) {
	d.Lock()
	d.msg = fmt.Sprintf(format, args...)
	d.Unlock()
}

func (d *dummyLogger) log(args ...interface{}) {
	d.Lock()
	d.msg = fmt.Sprint(args...)
	d.Unlock()
}

func (d *dummyLogger) last() string {
	d.Lock()
	defer d.Unlock()
	return d.msg
}

func (d *dummyLogger) Infof(format string, args ...interface{})  { d.logf(format, args...) }
func (d *dummyLogger) Debugf(format string, args ...interface{}) { d.logf(format, args...) }
func (d *dummyLogger) Errorf(format string, args ...interface{}) { d.logf(format, args...) }
func (d *dummyLogger) Warnf(format string, args ...interface{})  { d.logf(format, args...) }
func (d *dummyLogger) Fatalf(format string, args ...interface{}) { d.logf(format, args...) }
func (d *dummyLogger) Debug(args ...interface{})                 { d.log(args...) }
func (d *dummyLogger) Warn(args ...interface{})                  { d.log(args...) }
func (d *dummyLogger) Info(args ...interface{})                  { d.log(args...) }
func (d *dummyLogger) Fatal(args ...interface{})                 { d.log(args...) }
func (d *dummyLogger) Writer() io.Writer                         { return ioutil.Discard }
func (d *dummyLogger) SetWriter(io.Writer)                       {}

// getTestConfig returns a config serving on a socket in a temp dir with
// storage rooted in the same dir.
func getTestConfig(t *testing.T) *Config {
	dir := t.TempDir()
	config := NewDefaultConfig()
	config.LogSilent = true
	config.StoragePath = filepath.Join(dir, "data")
	config.Socket = filepath.Join(dir, "v.sock")
	return config
}

func runServerWithConfig(t *testing.T, config *Config) *Server {
	s := New(config)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

// testClient speaks the framed protocol to a Server.
type testClient struct {
	t      *testing.T
	rwc    io.ReadWriteCloser
	fw     *protocol.FrameWriter
	frames chan *protocol.Frame

	mu      sync.Mutex
	nextID  uint32
	pending []*protocol.Frame
}

func newTestClient(t *testing.T, rwc io.ReadWriteCloser, config *Config) *testClient {
	c := &testClient{
		t:      t,
		rwc:    rwc,
		fw:     protocol.NewFrameWriter(rwc, config.CRC, uint32(config.MaxFrameBytes)),
		frames: make(chan *protocol.Frame, 64),
	}
	go func() {
		defer close(c.frames)
		fr := protocol.NewFrameReader(rwc, 0)
		for {
			frame, err := fr.ReadFrame()
			if err != nil {
				return
			}
			c.frames <- frame
		}
	}()
	t.Cleanup(func() { rwc.Close() })
	return c
}

func dialTestClient(t *testing.T, s *Server) *testClient {
	conn, err := net.Dial("unix", s.config.Socket)
	require.NoError(t, err)
	return newTestClient(t, conn, s.config)
}

func (c *testClient) id() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// send writes a request and returns its id.
func (c *testClient) send(cmd protocol.Command, payload interface{}, stream bool) uint32 {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		require.NoError(c.t, err)
	}
	id := c.id()
	require.NoError(c.t, c.fw.WriteFrame(&protocol.Frame{
		Type:    protocol.MsgTypeRequest,
		Command: cmd,
		ID:      id,
		Stream:  stream,
		Payload: data,
	}))
	return id
}

// next returns the next frame matching fn, holding back any others.
func (c *testClient) next(fn func(*protocol.Frame) bool) *protocol.Frame {
	for i, frame := range c.pending {
		if fn(frame) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return frame
		}
	}
	timer := time.NewTimer(testTimeout)
	defer timer.Stop()
	for {
		select {
		case frame, ok := <-c.frames:
			require.True(c.t, ok, "connection closed")
			if fn(frame) {
				return frame
			}
			c.pending = append(c.pending, frame)
		case <-timer.C:
			c.t.Fatal("timed out waiting for frame")
		}
	}
}

func (c *testClient) reply(id uint32) map[string]interface{} {
	frame := c.next(func(f *protocol.Frame) bool {
		return f.Type == protocol.MsgTypeReply && f.ID == id
	})
	reply := make(map[string]interface{})
	require.NoError(c.t, json.Unmarshal(frame.Payload, &reply))
	return reply
}

// request sends a command and waits for its reply.
func (c *testClient) request(cmd protocol.Command, payload interface{}) map[string]interface{} {
	return c.reply(c.send(cmd, payload, false))
}

// requireOK sends a command and fails the test on an error reply.
func (c *testClient) requireOK(cmd protocol.Command, payload interface{}) map[string]interface{} {
	reply := c.request(cmd, payload)
	require.NotContains(c.t, reply, "error", "%s failed: %v", cmd, reply["error"])
	return reply
}
