package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultRingSize = 100

// Ring keeps the most recent formatted log lines in memory.
//
// It is a zerolog.LevelWriter so it can sit next to the console/file sinks.
// Lines look like "[15:04:05] [WARN] message key=value".
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool

	now func() time.Time
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = defaultRingSize
	}
	return &Ring{lines: make([]string, size), now: time.Now}
}

// Resize changes capacity, keeping the newest lines.
func (r *Ring) Resize(size int) {
	if size <= 0 {
		return
	}
	cur := r.Lines()
	r.mu.Lock()
	defer r.mu.Unlock()
	if size == len(r.lines) {
		return
	}
	if len(cur) > size {
		cur = cur[len(cur)-size:]
	}
	r.lines = make([]string, size)
	copy(r.lines, cur)
	r.next = len(cur) % size
	r.full = len(cur) == size
}

func (r *Ring) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.NoLevel, p)
}

func (r *Ring) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	line := r.format(level, p)
	if line == "" {
		return len(p), nil
	}
	r.Append(line)
	return len(p), nil
}

// Append adds a preformatted line.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Lines returns buffered lines, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

func (r *Ring) format(level zerolog.Level, p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		s := strings.TrimSpace(string(p))
		if s == "" {
			return ""
		}
		return truncate(s, 1000)
	}

	lvl, _ := m[zerolog.LevelFieldName].(string)
	if lvl == "" && level != zerolog.NoLevel {
		lvl = level.String()
	}
	if lvl == "warn" {
		lvl = "warning"
	}
	msg, _ := m[zerolog.MessageFieldName].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName, "stack":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(r.now().Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(strings.ToUpper(lvl))
	b.WriteString("] ")
	b.WriteString(msg)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 300))
	}
	return truncate(b.String(), 1000)
}
