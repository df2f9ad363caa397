package report

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

const barWidth = 30

// Console renders a run on a terminal: a single-line progress bar that is
// redrawn in place, and log lines printed above it. Warning lines are yellow
// when the writer supports color.
type Console[T any] struct {
	mu      sync.Mutex
	w       io.Writer
	warn    *color.Color
	last    int
	drawn   bool
	OnDone  func(w io.Writer, result T)
	NoColor bool
}

func NewConsole[T any](w io.Writer) *Console[T] {
	return &Console[T]{w: w, warn: color.New(color.FgYellow), last: -1}
}

func (c *Console[T]) Progress(percent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if percent == c.last {
		return
	}
	c.last = percent
	c.drawBarLocked()
	if percent >= 100 {
		fmt.Fprintln(c.w)
		c.drawn = false
	}
}

func (c *Console[T]) Log(text string, sev Severity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearBarLocked()
	if sev == SeverityWarning && !c.NoColor {
		c.warn.Fprintln(c.w, text)
	} else {
		fmt.Fprintln(c.w, text)
	}
	if c.last >= 0 && c.last < 100 {
		c.drawBarLocked()
	}
}

func (c *Console[T]) Done(result T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearBarLocked()
	if c.OnDone != nil {
		c.OnDone(c.w, result)
	}
}

func (c *Console[T]) drawBarLocked() {
	p := min(max(c.last, 0), 100)
	filled := p * barWidth / 100
	fmt.Fprintf(c.w, "\r[%s%s] %3d%%", strings.Repeat("#", filled), strings.Repeat("-", barWidth-filled), p)
	c.drawn = true
}

func (c *Console[T]) clearBarLocked() {
	if !c.drawn {
		return
	}
	fmt.Fprintf(c.w, "\r%s\r", strings.Repeat(" ", barWidth+7))
	c.drawn = false
}
