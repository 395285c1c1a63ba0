package executor

import (
	"strings"
	"sync"
)

// tailWriter keeps the last n lines written to it. Used to put the end
// of a failed subprocess's output into the task's error summary without
// holding the whole stream in memory.
type tailWriter struct {
	mu      sync.Mutex
	n       int
	lines   []string
	partial strings.Builder
}

func newTailWriter(n int) *tailWriter {
	return &tailWriter{n: n}
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range string(p) {
		if r == '\n' {
			t.push(t.partial.String())
			t.partial.Reset()
			continue
		}
		t.partial.WriteRune(r)
	}
	return len(p), nil
}

func (t *tailWriter) push(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[1:]
	}
}

// String returns the retained tail as a single space-trimmed string.
func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := t.lines
	if t.partial.Len() > 0 {
		all = append(append([]string{}, t.lines...), t.partial.String())
		if len(all) > t.n {
			all = all[len(all)-t.n:]
		}
	}
	return strings.TrimSpace(strings.Join(all, "\n"))
}
