package logger

import (
	"io"
	"io/ioutil"
	"sync"

	gnatsd "github.com/nats-io/nats-server/v2/server"
	log "github.com/sirupsen/logrus"
)

// Logger interface is used to allow tests to inject custom loggers.
type Logger interface {
	Fatalf(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Debug(...interface{})
	Warn(...interface{})
	Info(...interface{})
	Fatal(...interface{})
	Writer() io.Writer
	SetWriter(io.Writer)
}

// LevelSetter is implemented by loggers whose level can be changed at
// runtime. The WORKLET_LOGGER command uses it to toggle debug output.
type LevelSetter interface {
	SetLevel(level uint32)
	GetLevel() uint32
}

// Silencer is implemented by loggers that can discard all output and later
// restore it.
type Silencer interface {
	Silent(enabled bool)
}

type logger struct {
	*log.Logger
	mu        sync.Mutex
	silentOut io.Writer
}

// NewLogger returns a new Logger instance backed by Logrus.
func NewLogger(level uint32) Logger {
	l := log.New()
	l.SetLevel(log.Level(level))
	l.Formatter = &log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	return &logger{Logger: l}
}

func (l *logger) Writer() io.Writer {
	return l.Out
}

func (l *logger) SetWriter(writer io.Writer) {
	l.Out = writer
}

// SetLevel changes the log level.
func (l *logger) SetLevel(level uint32) {
	l.Logger.SetLevel(log.Level(level))
}

// GetLevel returns the current log level.
func (l *logger) GetLevel() uint32 {
	return uint32(l.Logger.GetLevel())
}

// Silent discards all output when enabled and restores the previous writer
// when disabled. Disabling a logger that is not silenced does nothing.
func (l *logger) Silent(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enabled {
		if l.silentOut == nil {
			l.silentOut = l.Out
			l.Out = ioutil.Discard
		}
		return
	}
	if l.silentOut == nil {
		return
	}
	l.Out = l.silentOut
	l.silentOut = nil
}

// natsLogger implements the NATS server logger interface by writing log
// messages to a vaultlet logger.
type natsLogger struct {
	logger Logger
}

// NewNATSLogger creates a NATS logger that writes log messages to the given
// Logger.
func NewNATSLogger(logger Logger, enabled bool) gnatsd.Logger {
	if enabled {
		return &natsLogger{logger}
	}
	return &noopNATSLogger{logger}
}

// Noticef logs a notice statement.
func (n *natsLogger) Noticef(format string, v ...interface{}) {
	n.logger.Infof("nats: "+format, v...)
}

// Warnf logs a warning statement.
func (n *natsLogger) Warnf(format string, v ...interface{}) {
	n.logger.Warnf("nats: "+format, v...)
}

// Fatalf logs a fatal error.
func (n *natsLogger) Fatalf(format string, v ...interface{}) {
	n.logger.Fatalf("nats: "+format, v...)
}

// Errorf logs an error.
func (n *natsLogger) Errorf(format string, v ...interface{}) {
	n.logger.Errorf("nats: "+format, v...)
}

// Debugf logs a debug statement.
func (n *natsLogger) Debugf(format string, v ...interface{}) {
	n.logger.Debugf("nats: "+format, v...)
}

// Tracef logs a trace statement.
func (n *natsLogger) Tracef(format string, v ...interface{}) {
	n.logger.Debugf("nats: "+format, v...)
}

// noopNATSLogger swallows everything except fatal errors.
type noopNATSLogger struct {
	logger Logger
}

func (n *noopNATSLogger) Noticef(format string, v ...interface{}) {}

func (n *noopNATSLogger) Warnf(format string, v ...interface{}) {}

// Fatalf logs a fatal error.
func (n *noopNATSLogger) Fatalf(format string, v ...interface{}) {
	n.logger.Fatalf("nats: "+format, v...)
}

func (n *noopNATSLogger) Errorf(format string, v ...interface{}) {}

func (n *noopNATSLogger) Debugf(format string, v ...interface{}) {}

func (n *noopNATSLogger) Tracef(format string, v ...interface{}) {}
