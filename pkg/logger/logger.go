package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const logFileName = "tradepilot.log"

// New собирает корневой логгер: консоль + файл в logsDir.
// Если каталог недоступен, пишет только в консоль.
func New(logsDir, level string) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}

	if logsDir == "" {
		return zerolog.New(console).Level(lvl).With().Timestamp().Logger(), nopCloser{}, nil
	}

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		l := zerolog.New(console).Level(lvl).With().Timestamp().Logger()
		return l, nopCloser{}, fmt.Errorf("create logs dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(logsDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l := zerolog.New(console).Level(lvl).With().Timestamp().Logger()
		return l, nopCloser{}, fmt.Errorf("open log file: %w", err)
	}

	multi := zerolog.MultiLevelWriter(console, f)
	return zerolog.New(multi).Level(lvl).With().Timestamp().Logger(), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
