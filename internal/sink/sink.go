// Package sink provides the local destinations stream readers write to.
// Each Write call delivers one unit as read from a pipe.
package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink is a named io.WriteCloser.
type Sink interface {
	io.WriteCloser
	Path() string
}

// Latest keeps only the most recent unit at its path.  Every write goes
// to a temporary file in the same directory which is then renamed over
// the target, so a viewer polling the path never sees a torn frame.
type Latest struct {
	path string

	mu     sync.Mutex
	closed bool
}

// NewLatest returns a Latest sink for path.  The directory must exist.
func NewLatest(path string) (*Latest, error) {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("sink %s: %w", path, err)
	}
	return &Latest{path: path}, nil
}

func (l *Latest) Path() string { return l.path }

func (l *Latest) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, os.ErrClosed
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), "."+filepath.Base(l.path)+".*")
	if err != nil {
		return 0, err
	}
	n, err := tmp.Write(p)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), l.path)
	}
	if err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return 0, err
	}
	return n, nil
}

func (l *Latest) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Append concatenates every unit into one file.
type Append struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewAppend opens path for appending, creating it if needed.
func NewAppend(path string) (*Append, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", path, err)
	}
	return &Append{path: path, f: f}, nil
}

func (a *Append) Path() string { return a.path }

func (a *Append) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return 0, os.ErrClosed
	}
	return a.f.Write(p)
}

func (a *Append) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// PathOf returns w's path when it is a Sink, or "".
func PathOf(w io.Writer) string {
	if s, ok := w.(Sink); ok {
		return s.Path()
	}
	return ""
}
