// File: internal/diagnostic/dump.go
// Description: Side-channel sink for offline forensics. Anomalous responses
// (auth failures, unexpected statuses, crashes) are dumped to timestamped
// files. Strictly best-effort: a failing dump never affects the fetch path.
package diagnostic

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sink accepts request/response dumps on anomalous outcomes.
type Sink interface {
	Dump(stage, reason, id string, resp *http.Response, body []byte)
}

// NopSink discards all dumps.
type NopSink struct{}

func (NopSink) Dump(string, string, string, *http.Response, []byte) {}

// FileSink writes one file per dump under a directory.
type FileSink struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// NewFileSink creates the sink, ensuring the directory exists.
func NewFileSink(dir string, logger *zap.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dump dir: %w", err)
	}
	return &FileSink{dir: dir, logger: logger.Named("diagnostic"), now: time.Now}, nil
}

// Dump writes the response status line, headers and body to a file named
// after the stage, reason and identifier. resp may be nil for crashes that
// happened before any response arrived.
func (s *FileSink) Dump(stage, reason, id string, resp *http.Response, body []byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "stage: %s\nreason: %s\nid: %s\ntime: %s\n\n",
		stage, reason, id, s.now().UTC().Format(time.RFC3339))

	if resp != nil {
		fmt.Fprintf(&b, "%s %s\n", resp.Proto, resp.Status)
		if resp.Request != nil && resp.Request.URL != nil {
			fmt.Fprintf(&b, "url: %s\n", resp.Request.URL)
		}
		for k, vs := range resp.Header {
			for _, v := range vs {
				fmt.Fprintf(&b, "%s: %s\n", k, v)
			}
		}
		b.WriteString("\n")
	}
	b.Write(body)

	name := fmt.Sprintf("%s_%s_%s.txt", s.now().Format("20060102_150405"), sanitize(stage), sanitize(id))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		s.logger.Warn("Failed to write diagnostic dump", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Debug("Diagnostic dump written", zap.String("path", path), zap.String("reason", reason))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
