// Package logging configures slog to write to both stdout and a rotating
// file under the configured log directory.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Init returns the root logger and a closer for the file sink.
func Init(logDir string) (*slog.Logger, io.Closer) {
	if logDir == "" {
		logDir = "./logs"
	}
	_ = os.MkdirAll(logDir, 0o755)

	file := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "zonetune.log"),
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
	}

	mw := io.MultiWriter(os.Stdout, file)
	h := slog.NewTextHandler(mw, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(h)

	// Align legacy stdlib log output with ours.
	log.SetOutput(mw)
	return logger, file
}
