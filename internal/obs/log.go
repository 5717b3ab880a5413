package obs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
	out        = &swapWriter{w: os.Stdout}
	level      = new(slog.LevelVar)
)

// swapWriter lets tests redirect the shared logger without rebuilding it.
type swapWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Logger returns the shared structured logger used across the service.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					a.Key = "ts"
				}
				return a
			},
		})
		logger = slog.New(handler).With("service", "yardops-permissions")
	})
	return logger
}

// SetOutput redirects log output and returns a func restoring the previous writer.
func SetOutput(w io.Writer) func() {
	out.mu.Lock()
	prev := out.w
	out.w = w
	out.mu.Unlock()
	return func() {
		out.mu.Lock()
		out.w = prev
		out.mu.Unlock()
	}
}

// SetLevel changes the minimum level of the shared logger: debug, info, warn or error.
func SetLevel(name string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	level.Set(l)
	return nil
}

// LogRequest emits one structured line describing a finished HTTP request.
func LogRequest(requestID, method, path string, status int, durationMS float64, attrs ...any) {
	args := append([]any{
		"request_id", requestID,
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", durationMS,
	}, attrs...)
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	Logger().Log(context.Background(), level, "request_complete", args...)
}
