package database

import (
	"bytes"
	"strings"
	"sync"
)

// tailLines bounds how much stderr is kept for error messages.
const tailLines = 20

// diagnostics receives a process's stderr, hands each complete line to
// onLine and keeps the last few lines for error reporting.
type diagnostics struct {
	mu      sync.Mutex
	onLine  func(string)
	partial []byte
	tail    []string
}

func newDiagnostics(onLine func(string)) *diagnostics {
	return &diagnostics{onLine: onLine}
}

func (d *diagnostics) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.partial = append(d.partial, p...)
	for {
		i := bytes.IndexByte(d.partial, '\n')
		if i < 0 {
			break
		}
		d.emit(string(d.partial[:i]))
		d.partial = d.partial[i+1:]
	}
	// A single line longer than this is not worth keeping whole.
	if len(d.partial) > 64*1024 {
		d.emit(string(d.partial))
		d.partial = nil
	}
	return len(p), nil
}

// Flush emits any trailing line without a newline.
func (d *diagnostics) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.partial) > 0 {
		d.emit(string(d.partial))
		d.partial = nil
	}
}

// Tail returns the last lines seen, newline separated.
func (d *diagnostics) Tail() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.Join(d.tail, "\n")
}

func (d *diagnostics) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	if d.onLine != nil {
		d.onLine(line)
	}
	d.tail = append(d.tail, line)
	if len(d.tail) > tailLines {
		d.tail = d.tail[len(d.tail)-tailLines:]
	}
}
