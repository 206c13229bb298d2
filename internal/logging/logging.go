package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"parallax/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug,
// warn, error). format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging, optionally with dated file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("parallax-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)

		// Best-effort symlink to the current log.
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "parallax-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	logger := log.New(io.MultiWriter(writers...), "", log.LstdFlags)
	handler := &TraditionalHandler{logger: logger, level: level}

	slogLogger := slog.New(handler)
	slog.SetDefault(slogLogger)

	slogLogger.Info("parallax logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
	)

	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0)

	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

func (h *TraditionalHandler) WithGroup(name string) slog.Handler { return h }

func parseLevel(level string) slog.Level {
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

// LogStageBanner prints the banner that separates stage output in the log.
func LogStageBanner(logger *slog.Logger, title string) {
	line := strings.Repeat("=", 80)
	logger.Info(line)
	logger.Info(title)
	logger.Info(line)
}

// LogStageStart logs the beginning of a pipeline stage.
func LogStageStart(logger *slog.Logger, scene, stage string) {
	logger.Info("stage started", "scene", scene, "stage", stage)
}

// LogStageDone logs stage completion with its wall-clock duration.
func LogStageDone(logger *slog.Logger, scene, stage string, duration time.Duration) {
	logger.Info("stage completed",
		"scene", scene,
		"stage", stage,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogStageSkipped logs a stage that was satisfied by existing output or
// disabled by configuration.
func LogStageSkipped(logger *slog.Logger, scene, stage, reason string) {
	logger.Info("stage skipped", "scene", scene, "stage", stage, "reason", reason)
}

// LogStageError logs a stage failure.
func LogStageError(logger *slog.Logger, scene, stage string, duration time.Duration, err error) {
	logger.Error("stage failed",
		"scene", scene,
		"stage", stage,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogToolStatus logs tool detection and status.
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected", "tool", tool, "version", version, "path", path)
	} else {
		logger.Debug("tool not available", "tool", tool, "error", err)
	}
}
