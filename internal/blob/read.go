package blob

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Days lists the day strings ("2006-01-02") that have blob files,
// oldest first.
func (l *Log) Days() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read blob dir: %w", err)
	}

	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		day := strings.TrimSuffix(name, ".jsonl")
		if _, err := time.Parse("2006-01-02", day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// Range returns all events for a day, optionally filtered by event
// type (empty filter returns everything). A missing day file yields an
// empty slice, not an error.
func (l *Log) Range(day, eventType string) ([]Event, error) {
	return l.readDay(day, eventType, 0)
}

// Recent returns the last n events across day files in chronological
// order, newest day scanned first until n is satisfied.
func (l *Log) Recent(n int) ([]Event, error) {
	if n <= 0 {
		n = 50
	}
	days, err := l.Days()
	if err != nil {
		return nil, err
	}

	var collected []Event
	for i := len(days) - 1; i >= 0 && len(collected) < n; i-- {
		dayEvents, err := l.readDay(days[i], "", 0)
		if err != nil {
			return nil, err
		}
		// Prepend so overall order stays chronological.
		if len(dayEvents) > n-len(collected) {
			dayEvents = dayEvents[len(dayEvents)-(n-len(collected)):]
		}
		collected = append(dayEvents, collected...)
	}
	return collected, nil
}

// readDay scans one day file. Malformed lines are skipped with a debug
// log rather than failing the whole read; a crash mid-append can leave
// a truncated final line. maxLines 0 means unlimited.
func (l *Log) readDay(day, eventType string, maxLines int) ([]Event, error) {
	f, err := os.Open(l.dayFile(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open blob file for %s: %w", day, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// Tool results can be huge; allow lines up to 10MB.
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	var events []Event
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Debug("skipping malformed blob line",
				"day", day,
				"line", lineNum,
				"error", err,
			)
			continue
		}
		if eventType != "" && e.EventType != eventType {
			continue
		}
		events = append(events, e)
		if maxLines > 0 && len(events) >= maxLines {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan blob file for %s: %w", day, err)
	}
	return events, nil
}

// TailSummary renders the last n events as a compact text block for
// prompt context: one line per event, timestamp + type + truncated
// content.
func (l *Log) TailSummary(n, maxChars int) (string, error) {
	events, err := l.Recent(n)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, e := range events {
		content := strings.ReplaceAll(e.Content, "\n", " ")
		if maxChars > 0 && len(content) > maxChars {
			content = content[:maxChars] + "..."
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n",
			e.Timestamp.Format("15:04:05"), e.EventType, content)
	}
	return sb.String(), nil
}
