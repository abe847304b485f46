package infrastructure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tenantguard/internal/config"
)

// RedactedValue replaces the value of any credential-bearing attribute
const RedactedValue = "[REDACTED]"

// sensitiveKeys are attribute keys whose values never reach a log sink.
// Matching is case-insensitive on the whole key.
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"token":         {},
	"license_token": {},
	"licensetoken":  {},
	"api_key":       {},
	"apikey":        {},
	"x-api-key":     {},
	"authorization": {},
	"secret":        {},
}

var (
	globalLogger     *slog.Logger
	globalLoggerOnce sync.Once

	logFileMu     sync.Mutex
	globalLogFile *os.File
	globalZap     *zap.Logger
)

// InitializeLogger builds the process logger from cfg and installs it as
// the slog default. Only the first call has any effect.
func InitializeLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var err error
	globalLoggerOnce.Do(func() {
		globalLogger, err = NewLogger(cfg)
		if globalLogger != nil {
			slog.SetDefault(globalLogger)
		}
	})
	return globalLogger, err
}

// GetLogger returns the process logger, or slog.Default before
// InitializeLogger ran
func GetLogger() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// NewLogger builds a logger on the configured backend. Records pass through
// a handler that adds trace correlation and masks credentials.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := parseLogLevel(cfg.Level)

	var handler slog.Handler
	switch strings.ToLower(cfg.Backend) {
	case "zap":
		zl, err := newZapLogger(cfg, level)
		if err != nil {
			return nil, err
		}
		logFileMu.Lock()
		globalZap = zl
		logFileMu.Unlock()
		handler = slogzap.Option{Level: level, Logger: zl}.NewZapHandler()
	default:
		output, err := openOutput(cfg)
		if err != nil {
			return nil, err
		}
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{
			AddSource: level == slog.LevelDebug,
			Level:     level,
		})
	}

	return slog.New(NewContextHandler(handler)), nil
}

func openOutput(cfg config.LoggingConfig) (io.Writer, error) {
	output := strings.ToLower(cfg.Output)
	if output != "file" && output != "both" {
		return os.Stdout, nil
	}

	file, err := openLogFile(cfg.FilePath)
	if err != nil {
		return nil, err
	}
	logFileMu.Lock()
	globalLogFile = file
	logFileMu.Unlock()

	if output == "both" {
		return io.MultiWriter(os.Stdout, file), nil
	}
	return file, nil
}

func newZapLogger(cfg config.LoggingConfig, level slog.Level) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel(level))

	zapConfig.OutputPaths = []string{"stdout"}
	if output := strings.ToLower(cfg.Output); output == "file" || output == "both" {
		if err := ensureLogDir(cfg.FilePath); err != nil {
			return nil, err
		}
		zapConfig.OutputPaths = []string{cfg.FilePath}
		if output == "both" {
			zapConfig.OutputPaths = []string{"stdout", cfg.FilePath}
		}
	}

	zl, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return zl, nil
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ContextHandler decorates records with trace_id and span_id from the
// context and masks sensitive attributes before the wrapped handler sees
// them
type ContextHandler struct {
	next slog.Handler
}

// NewContextHandler wraps next
func NewContextHandler(next slog.Handler) *ContextHandler {
	return &ContextHandler{next: next}
}

// Enabled implements slog.Handler
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redact(a))
		return true
	})

	if traceID := GetTraceID(ctx); traceID != "" {
		out.AddAttrs(slog.String("trace_id", traceID))
	}
	if id := spanID(ctx); id != "" {
		out.AddAttrs(slog.String("span_id", id))
	}
	return h.next.Handle(ctx, out)
}

// WithAttrs implements slog.Handler
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = redact(a)
	}
	return &ContextHandler{next: h.next.WithAttrs(masked)}
}

// WithGroup implements slog.Handler
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{next: h.next.WithGroup(name)}
}

func redact(a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, RedactedValue)
	}

	v := a.Value.Resolve()
	if v.Kind() != slog.KindGroup {
		return slog.Attr{Key: a.Key, Value: v}
	}
	group := v.Group()
	masked := make([]any, len(group))
	for i, ga := range group {
		masked[i] = redact(ga)
	}
	return slog.Group(a.Key, masked...)
}

// CloseLogFile flushes zap and closes the log file opened by the slog
// backend. It is safe to call more than once.
func CloseLogFile() error {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if globalZap != nil {
		_ = globalZap.Sync()
		globalZap = nil
	}
	if globalLogFile != nil {
		err := globalLogFile.Close()
		globalLogFile = nil
		return err
	}
	return nil
}

// ResetLoggerForTesting drops the process logger so the next
// InitializeLogger builds a new one
func ResetLoggerForTesting() {
	_ = CloseLogFile()
	globalLogger = nil
	globalLoggerOnce = sync.Once{}
}

func ensureLogDir(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return nil
}

func openLogFile(filePath string) (*os.File, error) {
	if err := ensureLogDir(filePath); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", filePath, err)
	}
	return file, nil
}
