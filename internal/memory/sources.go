package memory

import (
	"context"
	"errors"
	"os"
	"strings"
)

// FileSource reads a workspace markdown file (identity or long-term memory).
// A missing file yields empty content.
type FileSource struct {
	Path string
}

// Load returns the trimmed file contents.
func (s FileSource) Load(ctx context.Context) (string, error) {
	if strings.TrimSpace(s.Path) == "" {
		return "", nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ActivitySource renders the recent flush log entries as a digest.
type ActivitySource struct {
	Log      *FlushLog
	Days     int
	MaxLines int
}

// Load returns the digest, or "" when nothing was flushed recently.
func (s ActivitySource) Load(ctx context.Context) (string, error) {
	if s.Log == nil {
		return "", nil
	}
	lines, err := s.Log.ReadRecent(s.Days, s.MaxLines)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}
