package feed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Field is one key:value pair of a feed entry. Order matters: the JSON
// body is generated with the fields in file order and never re-normalised,
// because readers compare the body text as substrings.
type Field struct {
	Key   string
	Value string
}

// Entry is one station's worth of fields read from a feed file.
type Entry struct {
	Fields []Field
}

// ID returns the entry's station id, or "".
func (e *Entry) ID() string {
	for _, f := range e.Fields {
		if f.Key == "id" {
			return f.Value
		}
	}
	return ""
}

// Body renders the entry as a JSON object with fields in file order.
func (e *Entry) Body() string {
	var b strings.Builder
	b.WriteString("{")
	for i, f := range e.Fields {
		if i > 0 {
			b.WriteString(",")
		}
		b.Write(quote(f.Key))
		b.WriteString(":")
		b.Write(quote(f.Value))
	}
	b.WriteString("}")
	return b.String()
}

// ParseFile reads a feed file of "key:value" lines. A line with key "id"
// starts a new entry. Malformed lines and lines before the first id are
// skipped with a log entry, and entries whose id value is empty are
// dropped.
func ParseFile(path string, logger *zap.Logger) ([]*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed file: %w", err)
	}
	defer f.Close()

	var entries []*Entry
	var current *Entry

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			logger.Warn("Skipping malformed feed line",
				zap.String("path", path),
				zap.Int("line", lineNo))
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if key == "id" {
			current = &Entry{}
			entries = append(entries, current)
		}
		if current == nil {
			logger.Warn("Skipping feed line before first id",
				zap.String("path", path),
				zap.Int("line", lineNo))
			continue
		}
		current.Fields = append(current.Fields, Field{Key: key, Value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feed file: %w", err)
	}

	valid := entries[:0]
	for _, e := range entries {
		if e.ID() == "" {
			logger.Warn("Dropping feed entry without id", zap.String("path", path))
			continue
		}
		valid = append(valid, e)
	}
	return valid, nil
}

func quote(s string) []byte {
	data, _ := json.Marshal(s)
	return data
}
