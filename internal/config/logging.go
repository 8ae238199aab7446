package config

import (
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the process logger: JSON to stdout, and when logFile is
// set, a fanout that also appends JSON to the file. Returns the logger and a
// cleanup func closing the file.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	stdoutHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(stdoutHandler), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("failed to open log file, using stdout only", "error", err, "file", logFile)
		return slog.New(stdoutHandler), func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	logger := slog.New(slogmulti.Fanout(stdoutHandler, fileHandler))
	return logger, file.Close
}
