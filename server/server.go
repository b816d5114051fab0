package server

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	gnatsd "github.com/nats-io/nats-server/v2/server"
	"github.com/pkg/errors"

	"github.com/vaultlet/vaultlet/server/logger"
	"github.com/vaultlet/vaultlet/server/storage/boltstore"
	"github.com/vaultlet/vaultlet/server/storage/natspair"
	"github.com/vaultlet/vaultlet/server/vaults"
)

const embeddedNATSReadyTimeout = 5 * time.Second

// Server is the storage worker. It owns the vault manager and serves the
// framed protocol over stdio or a unix socket.
type Server struct {
	config        *Config
	logger        logger.Logger
	manager       *vaults.Manager
	pairing       *vaults.PairingSession
	dispatcher    *dispatcher
	transport     *natspair.Transport
	natsServer    *gnatsd.Server
	listener      net.Listener
	conns         map[*conn]struct{}
	shutdownCh    chan struct{}
	mu            sync.RWMutex
	shutdown      bool
	running       bool
	goroutineWait sync.WaitGroup

	stdin  io.Reader
	stdout io.Writer
}

// New returns a Server for config. Start must be called before it serves.
func New(config *Config) *Server {
	log := logger.NewLogger(config.LogLevel)
	if silencer, ok := log.(logger.Silencer); ok {
		silencer.Silent(config.LogSilent)
	}
	s := &Server{
		config:     config,
		logger:     log,
		conns:      make(map[*conn]struct{}),
		shutdownCh: make(chan struct{}),
		stdin:      os.Stdin,
		stdout:     os.Stdout,
	}
	s.dispatcher = newDispatcher(s)
	return s
}

// Start wires storage and pairing and begins accepting connections. It does
// not block.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already started")
	}
	if s.shutdown {
		return errors.New("server is shut down")
	}

	s.logger.Infof("Vaultlet Version: %s", Version)
	s.logger.Debugf("Configuration:    %s", s.config)

	if err := s.startPairingTransport(); err != nil {
		return err
	}

	opts := boltstore.Options{Logger: s.logger}
	if s.transport != nil {
		opts.Pairer = s.transport
	}
	s.manager = vaults.NewManager(vaults.Config{
		Opener:           boltstore.NewOpener(opts),
		Logger:           s.logger,
		OperationTimeout: s.config.OperationTimeout,
		PairingTimeout:   s.config.PairingTimeout,
		DefaultMirrors:   s.config.DefaultMirrors,
	})
	s.pairing = vaults.NewPairingSession(s.manager)
	if s.config.StoragePath != "" {
		if err := s.manager.SetStoragePath(s.config.StoragePath); err != nil {
			s.stopPairingTransport()
			return errors.Wrap(err, "invalid storage path")
		}
	}

	if s.config.Socket == StdioSocket {
		s.logger.Info("Serving on stdio")
		c := s.addConn(&stdio{Reader: s.stdin, Writer: s.stdout})
		// Not tracked by goroutineWait: a read on stdin cannot always be
		// interrupted.
		go func() {
			c.serve()
			// The host closing stdin means the worker is no longer wanted.
			s.Stop()
		}()
	} else {
		if err := os.Remove(s.config.Socket); err != nil && !os.IsNotExist(err) {
			s.stopPairingTransport()
			return errors.Wrap(err, "failed to remove stale socket")
		}
		l, err := net.Listen("unix", s.config.Socket)
		if err != nil {
			s.stopPairingTransport()
			return errors.Wrap(err, "failed to listen on socket")
		}
		s.listener = l
		s.logger.Infof("Listening on %s", s.config.Socket)
		s.startGoroutine(s.acceptLoop)
	}

	s.handleSignals()
	s.running = true
	return nil
}

// ServeConn serves the protocol on rwc until it is closed. It blocks.
func (s *Server) ServeConn(rwc io.ReadWriteCloser) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		rwc.Close()
		return
	}
	c := s.addConn(rwc)
	s.mu.Unlock()
	c.serve()
}

// addConn registers a connection. Caller must hold s.mu.
func (s *Server) addConn(rwc io.ReadWriteCloser) *conn {
	c := newConn(s, rwc)
	s.conns[c] = struct{}{}
	return c
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) acceptLoop() {
	for {
		rwc, err := s.listener.Accept()
		if err != nil {
			if s.isShutdown() {
				return
			}
			s.logger.Errorf("Failed to accept connection: %v", err)
			return
		}
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			rwc.Close()
			return
		}
		c := s.addConn(rwc)
		s.mu.Unlock()
		s.startGoroutine(c.serve)
	}
}

// startPairingTransport connects to the configured NATS servers, or starts
// an embedded one. Without either, invites and pairing are unavailable.
func (s *Server) startPairingTransport() error {
	servers := s.config.Pairing.NATSServers
	if len(servers) == 0 && s.config.Pairing.Embedded {
		ns, err := s.startEmbeddedNATS()
		if err != nil {
			return err
		}
		s.natsServer = ns
		servers = []string{ns.ClientURL()}
	}
	if len(servers) == 0 {
		s.logger.Info("Pairing disabled, no NATS servers configured")
		return nil
	}
	t, err := natspair.Connect(servers, s.config.Pairing.SubjectPrefix, s.logger)
	if err != nil {
		s.stopPairingTransport()
		return err
	}
	s.transport = t
	return nil
}

func (s *Server) startEmbeddedNATS() (*gnatsd.Server, error) {
	opts := &gnatsd.Options{
		Host:   "127.0.0.1",
		Port:   gnatsd.RANDOM_PORT,
		NoSigs: true,
	}
	ns, err := gnatsd.NewServer(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create embedded NATS server")
	}
	debug := s.config.LogLevel >= uint32(5)
	ns.SetLogger(logger.NewNATSLogger(s.logger, !s.config.LogSilent), debug, false)
	go ns.Start()
	if !ns.ReadyForConnections(embeddedNATSReadyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start")
	}
	s.logger.Infof("Started embedded NATS server at %s", ns.ClientURL())
	return ns, nil
}

func (s *Server) stopPairingTransport() {
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	if s.natsServer != nil {
		s.natsServer.Shutdown()
		s.natsServer = nil
	}
}

// Stop closes every connection and vault and releases the pairing
// transport.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info("Shutting down...")
	s.shutdown = true
	close(s.shutdownCh)

	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	var err error
	if s.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.OperationTimeout)
		err = s.manager.CloseAll(ctx)
		cancel()
	}
	if s.pairing != nil && s.pairing.Active() {
		s.pairing.Cancel()
	}

	s.mu.Lock()
	s.stopPairingTransport()
	s.running = false
	s.mu.Unlock()

	// Wait for goroutines to stop.
	s.goroutineWait.Wait()

	if s.config.Socket != StdioSocket {
		os.Remove(s.config.Socket)
	}
	return err
}

// Done is closed once Stop has begun.
func (s *Server) Done() <-chan struct{} {
	return s.shutdownCh
}

func (s *Server) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) isShutdown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdown
}

func (s *Server) startGoroutine(f func()) {
	select {
	case <-s.shutdownCh:
		return
	default:
	}
	s.goroutineWait.Add(1)
	go func() {
		f()
		s.goroutineWait.Done()
	}()
}

// stdio joins the process's standard streams into one connection.
type stdio struct {
	io.Reader
	io.Writer
}

func (s *stdio) Close() error {
	if c, ok := s.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
