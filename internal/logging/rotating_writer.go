// Package logging provides the rotating file writer behind the daemon's
// log output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends to date-stamped log files, starting a new file on
// each UTC day and whenever the current file would grow past MaxBytes.
//
// With BasePath "logs/rotacap.log" the actual files are
// "logs/rotacap-2026-08-28.log", then "logs/rotacap-2026-08-28-2.log" once
// the first overflows. BasePath itself is maintained as a pointer (symlink
// where the filesystem allows it) to the file currently being written, so
// `tail -F logs/rotacap.log` keeps working across rotations.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	mu      sync.Mutex
	day     string // UTC day of the open file, YYYY-MM-DD
	seq     int    // 1-based sequence within the day
	out     *os.File
	written int64
}

// NewRotatingWriter opens a writer rooted at basePath. A basePath of "-"
// discards all output, which lets config disable file logging without a
// separate flag.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	w := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes}
	if err := w.ensureFile(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureFile(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.out.Write(p)
	if err == nil {
		w.written += int64(n)
	}
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	return w.out.Close()
}

// ensureFile rotates before a write of `incoming` bytes would violate the
// day or size bounds. Days roll on UTC so the cut point does not move with
// the host timezone.
func (w *RotatingWriter) ensureFile(incoming int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case w.out == nil || w.day != today:
		w.day = today
		w.seq = 1
	case w.written+incoming > w.MaxBytes:
		w.seq++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.out != nil {
		_ = w.out.Close()
	}
	path := w.targetPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.out = f
	w.written = 0
	if st, err := f.Stat(); err == nil {
		w.written = st.Size()
	}
	w.repoint(path)
	return nil
}

// targetPath derives the dated filename from BasePath, keeping its
// extension (".log" when it has none).
func (w *RotatingWriter) targetPath() string {
	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	if w.seq > 1 {
		return filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.seq, ext))
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, w.day, ext))
}

// repoint makes BasePath reference the active file. Symlink first, hard
// link where symlinks are unavailable, and as a last resort a small text
// file naming the target.
func (w *RotatingWriter) repoint(target string) {
	base := strings.TrimSpace(w.BasePath)
	if base == "" || base == "-" {
		return
	}
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(base); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(base)
	}
	if os.Symlink(target, base) == nil {
		return
	}
	if os.Link(target, base) == nil {
		return
	}
	if f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		_, _ = fmt.Fprintf(f, "current log file: %s\n", target)
		_ = f.Close()
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
