package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// JSONLSource reads one payload per line from a file, or stdin for "-"
type JSONLSource struct {
	path   string
	open   func() (io.ReadCloser, error)
	logger *slog.Logger
}

// NewJSONLSource creates a JSON-lines source
func NewJSONLSource(path string, logger *slog.Logger) *JSONLSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLSource{
		path: path,
		open: func() (io.ReadCloser, error) {
			if path == "-" {
				return io.NopCloser(os.Stdin), nil
			}
			return os.Open(path)
		},
		logger: logger.With("component", "feed_jsonl", "path", path),
	}
}

// Run forwards every line and returns at end of input
func (j *JSONLSource) Run(ctx context.Context, sink Sink) error {
	r, err := j.open()
	if err != nil {
		return fmt.Errorf("failed to open feed: %w", err)
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line, forwarded := 0, 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		samples, err := Decode(scanner.Bytes())
		if err != nil {
			j.logger.Warn("Discarding bad line", "line", line, "error", err)
		}
		for _, s := range samples {
			sink(s)
			forwarded++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read feed: %w", err)
	}
	j.logger.Info("Feed finished", "lines", line, "samples", forwarded)
	return nil
}
