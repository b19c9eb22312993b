package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	nodeID     string
	nodeIDOnce sync.Once

	logger = newLogger(os.Stderr)
	logMu  sync.Mutex
	// rotating file output, closed by Flush
	fileOut *lumberjack.Logger
)

// Options configures the process logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json

	// File enables a rotating log file in addition to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Init configures level, format and outputs. It may be called more than once.
func Init(opts Options) error {
	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var formatter logrus.Formatter
	switch strings.ToLower(opts.Format) {
	case "", "text":
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	case "json":
		formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("unsupported log format: %s (must be json or text)", opts.Format)
	}

	logMu.Lock()
	defer logMu.Unlock()

	var out io.Writer = os.Stderr
	if opts.File != "" {
		if fileOut != nil {
			_ = fileOut.Close()
		}
		fileOut = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		out = io.MultiWriter(os.Stderr, fileOut)
	}

	logger.SetOutput(out)
	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	return nil
}

// SetOutput redirects log output. Used by tests.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger.SetOutput(w)
}

// Logger exposes the underlying logrus logger.
func Logger() *logrus.Logger {
	return logger
}

// GetNodeID returns the identity attached to every log line.
func GetNodeID() string {
	nodeIDOnce.Do(func() {
		// NODE_ID first (allows a fixed id), then POD_NAME, then HOSTNAME, then the hostname suffix
		nodeID = os.Getenv("NODE_ID")
		if nodeID == "" {
			nodeID = os.Getenv("POD_NAME")
		}
		if nodeID == "" {
			nodeID = os.Getenv("HOSTNAME")
		}
		if nodeID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				if len(hostname) > 8 {
					nodeID = hostname[len(hostname)-8:]
				} else {
					nodeID = hostname
				}
			} else {
				nodeID = "unknown"
			}
		}
	})
	return nodeID
}

func entry() *logrus.Entry {
	return logger.WithField("node", GetNodeID())
}

// WithFields returns an entry carrying the node id plus fields.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return entry().WithFields(logrus.Fields(fields))
}

// Logf logs a formatted message at info level.
func Logf(format string, v ...interface{}) {
	entry().Infof(format, v...)
}

// Log logs a message at info level.
func Log(v ...interface{}) {
	entry().Info(v...)
}

// Debugf logs at debug level.
func Debugf(format string, v ...interface{}) {
	entry().Debugf(format, v...)
}

// Infof logs at info level.
func Infof(format string, v ...interface{}) {
	entry().Infof(format, v...)
}

// Warnf logs at warn level.
func Warnf(format string, v ...interface{}) {
	entry().Warnf(format, v...)
}

// Errorf logs at error level.
func Errorf(format string, v ...interface{}) {
	entry().Errorf(format, v...)
}

// IsDebug reports whether debug logging is enabled.
func IsDebug() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

// Fatalf logs and exits the process.
func Fatalf(format string, v ...interface{}) {
	entry().Fatalf(format, v...)
}

// Flush closes the rotating log file, if any.
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if fileOut != nil {
		_ = fileOut.Close()
		fileOut = nil
		logger.SetOutput(os.Stderr)
	}
}
