package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12
)

const retainLogs = 30 * 24 * time.Hour

// sink is shared by a handler and every handler derived from it through
// WithAttrs or WithGroup.
type sink struct {
	ch          chan []byte
	writer      io.Writer
	console     io.Writer
	currentDay  int
	currentFile *os.File
	basePath    string
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type AsyncHandler struct {
	sink     *sink
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

// NewAsyncHandler writes records to console and, when basePath is not empty,
// to a daily rotated file below basePath.
func NewAsyncHandler(console io.Writer, basePath string, logLevel slog.Level) *AsyncHandler {
	s := &sink{
		ch:       make(chan []byte, 1024),
		console:  console,
		writer:   console,
		basePath: basePath,
	}
	if basePath != "" {
		if err := s.rotateIfNeeded(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "log file disabled: %v\n", err)
		}
		s.cleanOldLogs()
	}
	s.wg.Add(1)
	go s.startWorker()
	return &AsyncHandler{sink: s, logLevel: logLevel}
}

func (s *sink) cleanOldLogs() {
	files, _ := filepath.Glob(filepath.Join(s.basePath, "*.log"))
	now := time.Now()

	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > retainLogs {
			_ = os.Remove(f)
		}
	}
}

func (s *sink) rotateIfNeeded() error {
	if s.basePath == "" {
		return nil
	}
	now := time.Now()
	currentDay := now.YearDay()

	if currentDay == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		s.currentFile = nil
		s.writer = s.console
	}

	logPath := s.getLogPath(now)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	s.currentFile = f
	s.currentDay = currentDay
	s.writer = io.MultiWriter(s.console, s.currentFile)
	return nil
}

func (s *sink) getLogPath(now time.Time) string {
	return filepath.Join(s.basePath, now.Format("2006-01-02")+".log")
}

func (s *sink) startWorker() {
	defer s.wg.Done()
	for data := range s.ch {
		_ = s.rotateIfNeeded()
		_, _ = s.writer.Write(data)
	}
}

func (s *sink) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		s.wg.Wait()
		if s.currentFile != nil {
			_ = s.currentFile.Sync()
			_ = s.currentFile.Close()
		}
	})
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	// time | level | message
	line := fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	)

	for _, attr := range h.attrs {
		line += color.CyanString(fmt.Sprintf(" %s=%v", h.key(attr.Key), attr.Value))
	}

	r.Attrs(func(attr slog.Attr) bool {
		line += color.CyanString(fmt.Sprintf(" %s=%v", h.key(attr.Key), attr.Value))
		return true
	})

	line += "\n"

	h.Write([]byte(line))
	return nil
}

func (h *AsyncHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)

	return &AsyncHandler{
		sink:     h.sink,
		attrs:    newAttrs,
		group:    h.group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		sink:     h.sink,
		attrs:    h.attrs,
		group:    h.key(name),
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) Write(p []byte) {
	// copy, the caller may reuse p
	pb := make([]byte, len(p))
	copy(pb, p)
	defer func() {
		// closed sink, the record is lost
		_ = recover()
	}()
	h.sink.ch <- pb
}

// Close flushes pending records. Records logged afterwards are discarded.
func (h *AsyncHandler) Close() error {
	h.sink.close()
	return nil
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	return lc.handler.Close()
}

// Init installs the async handler as the slog default. An empty dir logs to
// stdout only.
func Init(debug bool, dir string) *ShutdownCallback {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(os.Stdout, dir, level)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
