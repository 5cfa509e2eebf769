package logging

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kahiteam/lxproc/internal/config"
)

// Console is the terminal behind init's standard descriptors. Output is kept
// in an in-memory tail, echoed, copied to an optional rotating file and split
// into lines for OnLine subscribers.
type Console struct {
	mu      sync.Mutex
	cfg     config.ConsoleConfig
	echo    io.Writer
	file    *os.File
	tail    *ring
	partial []byte
	lines   []func(line string)
	logger  *slog.Logger
}

// NewConsole creates a console. Output is echoed to echo unless the config
// is quiet or echo is nil.
func NewConsole(cfg config.ConsoleConfig, echo io.Writer, logger *slog.Logger) (*Console, error) {
	size := cfg.BufferSize
	if size <= 0 {
		size = 64 * 1024
	}
	c := &Console{cfg: cfg, tail: newRing(size), logger: logger}
	if !cfg.Quiet {
		c.echo = echo
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("cannot open console file: %s: %w", cfg.File, err)
		}
		c.file = f
	}
	return c, nil
}

// Write implements io.Writer. It always consumes all of p; a failing echo or
// file is logged, not returned, so user programs never see host I/O errors.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := p
	if c.cfg.StripANSI {
		data = stripANSI(data)
	}
	c.tail.write(data)

	if c.echo != nil {
		if _, err := c.echo.Write(data); err != nil {
			c.warn("console echo failed", err)
		}
	}
	if c.file != nil {
		if _, err := c.file.Write(data); err != nil {
			c.warn("console file write failed", err)
		}
		c.rotateIfNeeded()
	}
	if len(c.lines) > 0 {
		c.splitLines(data)
	}
	return len(p), nil
}

// OnLine registers h to receive each complete line written to the console,
// without its newline. h runs with the console locked and must not write to
// it.
func (c *Console) OnLine(h func(line string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, h)
}

// Tail returns up to the last n bytes of output.
func (c *Console) Tail(n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tail.read(n)
}

// Reopen closes and reopens the console file, for external rotation tools.
func (c *Console) Reopen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	c.file.Close()
	f, err := os.OpenFile(c.cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		c.file = nil
		return fmt.Errorf("cannot reopen console file: %s: %w", c.cfg.File, err)
	}
	c.file = f
	return nil
}

// Close flushes a trailing partial line to the line subscribers and closes
// the console file.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.partial) > 0 {
		c.emit(string(c.partial))
		c.partial = nil
	}
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

func (c *Console) splitLines(data []byte) {
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			c.partial = append(c.partial, data...)
			return
		}
		line := string(append(c.partial, data[:i]...))
		c.partial = c.partial[:0]
		c.emit(line)
		data = data[i+1:]
	}
}

func (c *Console) emit(line string) {
	for _, h := range c.lines {
		h(line)
	}
}

// rotateIfNeeded must be called with mu held.
func (c *Console) rotateIfNeeded() {
	limit := ParseSize(c.cfg.MaxBytes)
	if limit == 0 {
		return
	}
	info, err := c.file.Stat()
	if err != nil || info.Size() < limit {
		return
	}
	c.file.Close()
	if err := rotateFile(c.cfg.File, c.cfg.Backups); err != nil {
		c.warn("console rotation failed", err)
	}
	f, err := os.OpenFile(c.cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		c.warn("console file reopen failed", err)
		c.file = nil
		return
	}
	c.file = f
}

func (c *Console) warn(msg string, err error) {
	if c.logger != nil {
		c.logger.Warn(msg, "file", c.cfg.File, "error", err)
	}
}

// ring is a fixed-size circular byte buffer.
type ring struct {
	buf  []byte
	pos  int
	full bool
}

func newRing(size int) *ring { return &ring{buf: make([]byte, size)} }

func (r *ring) write(p []byte) {
	if len(p) >= len(r.buf) {
		copy(r.buf, p[len(p)-len(r.buf):])
		r.pos, r.full = 0, true
		return
	}
	n := copy(r.buf[r.pos:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
		r.full = true
	}
	next := r.pos + len(p)
	if next >= len(r.buf) {
		r.full = true
	}
	r.pos = next % len(r.buf)
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.pos
}

// read returns the last n bytes written, or all of them if fewer.
func (r *ring) read(n int) []byte {
	n = min(n, r.len())
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	start := (r.pos - n + len(r.buf)) % len(r.buf)
	if start+n <= len(r.buf) {
		copy(out, r.buf[start:start+n])
	} else {
		k := copy(out, r.buf[start:])
		copy(out[k:], r.buf[:n-k])
	}
	return out
}

// stripANSI removes CSI escape sequences (ESC [ ... final byte).
func stripANSI(data []byte) []byte {
	if bytes.IndexByte(data, 0x1b) < 0 {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == 0x1b && i+1 < len(data) && data[i+1] == '[' {
			i += 2
			for i < len(data) && (data[i] < 0x40 || data[i] > 0x7e) {
				i++
			}
			continue
		}
		out = append(out, data[i])
	}
	return out
}
