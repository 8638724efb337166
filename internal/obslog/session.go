// Package obslog provides session-scoped logging for agent processes:
// a full structured debug trail in a per-session file, with a quieter
// console echo on top. Every line carries the fields its Logger was
// created with via With (public/agent binds agent_id).
//
// Called by: transport, pipeline, router, orchestrator, lifecycle.
package obslog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SessionLogger manages logging to a session file plus optional console
// echo.
type SessionLogger struct {
	mu          sync.Mutex
	zl          *zap.Logger
	sessionPath string
	quietMode   bool
}

// New creates a session logger writing to logDir/session-<timestamp>.log.
// When quietMode is true, only Error and UserMessage reach the console;
// Debug/Info are file-only.
func New(logDir string, quietMode bool) (*SessionLogger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("obslog: create log dir: %w", err)
	}

	sessionID := time.Now().Format("20060102-150405")
	sessionPath := filepath.Join(logDir, fmt.Sprintf("session-%s.log", sessionID))

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileEncoder := zapcore.NewJSONEncoder(cfg)

	file, err := os.OpenFile(sessionPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("obslog: open session file: %w", err)
	}

	core := zapcore.NewCore(fileEncoder, zapcore.AddSync(file), zapcore.DebugLevel)
	zl := zap.New(core)

	return &SessionLogger{zl: zl, sessionPath: sessionPath, quietMode: quietMode}, nil
}

// GetSessionPath returns the path to the current session log file.
func (s *SessionLogger) GetSessionPath() string { return s.sessionPath }

// SetQuietMode enables or disables console echo for Info.
func (s *SessionLogger) SetQuietMode(quiet bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quietMode = quiet
}

// With returns a child logger that always includes the given fields
// (commonly agent_id and component).
func (s *SessionLogger) With(fields ...zap.Field) *Logger {
	return &Logger{session: s, fields: fields}
}

// Close flushes buffered entries to the session file. The file handle
// itself is not closed.
func (s *SessionLogger) Close() error {
	return s.zl.Sync()
}

// Logger is a field-scoped view into a SessionLogger; each agent holds
// its own with agent_id and component pre-bound.
type Logger struct {
	session *SessionLogger
	fields  []zap.Field
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.session.zl.Debug(msg, append(l.fields, fields...)...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.session.zl.Info(msg, append(l.fields, fields...)...)
	if !l.session.quietMode {
		fmt.Println(msg)
	}
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.session.zl.Error(msg, append(l.fields, fields...)...)
	fmt.Fprintf(os.Stderr, "error: %s\n", msg)
}

// UserMessage always reaches both the session file and the console,
// regardless of quiet mode.
func (l *Logger) UserMessage(msg string, fields ...zap.Field) {
	l.session.zl.Info(msg, append(l.fields, fields...)...)
	fmt.Println(msg)
}
