// Package memory holds the workspace-backed long-term memory sources and the
// daily flush log written under memory pressure.
package memory

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// FlushLog appends evicted conversation text to one markdown file per day.
type FlushLog struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFlushLog creates a log rooted at dir (defaults to "memory").
func NewFlushLog(dir string) *FlushLog {
	if strings.TrimSpace(dir) == "" {
		dir = "memory"
	}
	return &FlushLog{dir: dir, now: time.Now}
}

// Dir returns the directory holding the daily files.
func (l *FlushLog) Dir() string {
	return l.dir
}

// Append writes one flushed block for sessionID to today's file.
func (l *FlushLog) Append(sessionID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if sessionID == "" {
		sessionID = "unknown"
	}
	ts := l.now()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create flush dir: %w", err)
	}
	filename := filepath.Join(l.dir, ts.Format(dateLayout)+".md")

	var b strings.Builder
	fmt.Fprintf(&b, "## %s flushed (%s)\n\n", ts.Format("15:04:05"), sessionID)
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	b.WriteString("\n")

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open flush log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write flush log: %w", err)
	}
	return nil
}

// ReadRecentAt returns up to maxLines entry lines from the last days files
// (including now's day), oldest first.
func (l *FlushLog) ReadRecentAt(now time.Time, days, maxLines int) ([]string, error) {
	if days <= 0 {
		return nil, nil
	}
	if maxLines <= 0 {
		maxLines = 40
	}

	var lines []string
	for offset := days - 1; offset >= 0; offset-- {
		path := filepath.Join(l.dir, now.AddDate(0, 0, -offset).Format(dateLayout)+".md")
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("open flush log: %w", err)
		}
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if strings.HasPrefix(line, "- ") {
				lines = append(lines, line)
			}
		}
		err = scanner.Err()
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("read flush log: %w", err)
		}
	}

	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

// ReadRecent reads recent entries relative to the current time.
func (l *FlushLog) ReadRecent(days, maxLines int) ([]string, error) {
	return l.ReadRecentAt(l.now(), days, maxLines)
}

// RotateAt removes daily files dated before cutoff and reports how many
// were removed.
func (l *FlushLog) RotateAt(cutoff time.Time) (int, error) {
	dates, err := l.ListDates()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, date := range dates {
		if !date.Before(cutoff) {
			continue
		}
		path := filepath.Join(l.dir, date.Format(dateLayout)+".md")
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove old log %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}

// ListDates returns the dates that have a file, most recent first.
func (l *FlushLog) ListDates() ([]time.Time, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read flush dir: %w", err)
	}

	var dates []time.Time
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		date, err := time.Parse(dateLayout, strings.TrimSuffix(name, ".md"))
		if err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].After(dates[j]) })
	return dates, nil
}
