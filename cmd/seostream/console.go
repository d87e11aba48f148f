package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/Srey123/seostream/internal/notify"
	"github.com/Srey123/seostream/internal/session"
	"golang.org/x/term"
)

// console serializes everything a command prints. On a terminal the
// session status is redrawn in place; elsewhere each change is one line.
type console struct {
	mu   sync.Mutex
	out  io.Writer
	err  io.Writer
	live bool

	// status is the line currently drawn in place, if any.
	status string
	last   string
}

func newConsole(out, errOut io.Writer) *console {
	c := &console{out: out, err: errOut}
	if f, ok := out.(*os.File); ok {
		c.live = term.IsTerminal(int(f.Fd()))
	}
	return c
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) prompt(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Fprint(c.err, s)
}

// notice implements notify.Func.
func (c *console) notice(_ context.Context, n notify.Notice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	fmt.Fprintf(c.err, "[%s] %s\n", n.Severity, n)
	c.redrawLocked()
	return nil
}

// follow renders snapshots until the channel is closed.
func (c *console) follow(snaps <-chan session.Session) {
	for s := range snaps {
		c.show(s)
	}
	c.mu.Lock()
	c.clearLocked()
	c.status = ""
	c.mu.Unlock()
}

func (c *console) show(s session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live {
		c.status = statusLine(s, true)
		c.redrawLocked()
		return
	}
	line := statusLine(s, false)
	if line != c.last {
		c.last = line
		fmt.Fprintln(c.out, line)
	}
}

func (c *console) redrawLocked() {
	if c.live && c.status != "" {
		fmt.Fprint(c.out, "\r\033[K"+c.status)
	}
}

func (c *console) clearLocked() {
	if c.live && c.status != "" {
		fmt.Fprint(c.out, "\r\033[K")
	}
}

// statusLine summarizes a session. withSize adds the content length,
// which changes with every chunk and is only worth showing in place.
func statusLine(s session.Session, withSize bool) string {
	parts := []string{string(s.Phase)}
	if s.Queue.Blocking() {
		parts = append(parts, "queue "+s.Queue.String())
	}
	if s.ValidationAssumed {
		parts = append(parts, "validation assumed")
	}
	if s.Iterations > 0 {
		parts = append(parts, fmt.Sprintf("iteration %d", s.Iterations))
	}
	if s.SEOScore != nil {
		parts = append(parts, fmt.Sprintf("score %.1f", *s.SEOScore))
	}
	if withSize && s.Content != "" {
		parts = append(parts, fmt.Sprintf("%d chars", len(s.Content)))
	}
	return strings.Join(parts, " | ")
}
