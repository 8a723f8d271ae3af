// Package display renders agent observations and extracted courses for a
// terminal: structured log lines plus screenshot files on disk.
package display

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/polzovatel/course-scout/internal/agent"
)

// LogSink logs step headers and observations. With a directory set it also
// writes every observed screenshot there, downscaled to the requested width.
type LogSink struct {
	logger zerolog.Logger
	dir    string

	mu    sync.Mutex
	label string
	step  int
	seq   int
}

func NewLogSink(logger zerolog.Logger, dir string) *LogSink {
	return &LogSink{logger: logger, dir: dir}
}

func (s *LogSink) Header(label string, step int) {
	s.mu.Lock()
	s.label, s.step = label, step
	s.mu.Unlock()
	s.logger.Info().Str("label", label).Int("step", step).Msgf("---- %s %d ----", label, step)
}

func (s *LogSink) Observe(obs agent.Observation, maxImageWidth int) {
	ev := s.logger.Info().
		Str("status", string(obs.Status)).
		Str("url", obs.URL).
		Int("screenshot_bytes", len(obs.Screenshot))
	if obs.Message != "" {
		ev = ev.Str("message", truncate(obs.Message, 300))
	}

	if s.dir != "" && len(obs.Screenshot) > 0 {
		s.mu.Lock()
		s.seq++
		name := fmt.Sprintf("%03d-%s-%d.png", s.seq, slug(s.label), s.step)
		s.mu.Unlock()
		path, err := SaveScreenshot(s.dir, name, obs.Screenshot, maxImageWidth)
		if err != nil {
			s.logger.Warn().Err(err).Msg("save screenshot")
		} else {
			ev = ev.Str("screenshot", path)
		}
	}
	ev.Msg("observation")
}

// SaveScreenshot writes data under dir as name and returns the file path.
func SaveScreenshot(dir, name string, data []byte, maxWidth int) (string, error) {
	scaled, err := Downscale(data, maxWidth)
	if err != nil {
		// Keep the original bytes when they are not a decodable image.
		scaled = data
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, scaled, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "observation"
	}
	return strings.Join(strings.Fields(s), "-")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
