// Package ui renders upload sessions in a terminal and guards them against
// accidental interruption.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/stefando/chunkedUpload/internal/progress"
	"github.com/stefando/chunkedUpload/internal/upload"
)

const barWidth = 30

// Terminal is an upload.Observer that draws a status icon, a progress bar
// and the status message. On a TTY the line is redrawn in place; otherwise
// every event gets its own line.
type Terminal struct {
	mu           sync.Mutex
	out          io.Writer
	tty          bool
	colorEnabled bool
	width        int
	lastState    upload.State
	lastEvent    progress.Event
}

// NewTerminal creates a Terminal writing to out
func NewTerminal(out io.Writer) *Terminal {
	t := &Terminal{out: out}
	if f, ok := out.(*os.File); ok {
		fd := int(f.Fd())
		if term.IsTerminal(fd) {
			t.tty = true
			if w, _, err := term.GetSize(fd); err == nil && w > 0 {
				t.width = w
			}
		}
	}
	t.colorEnabled = t.tty && !color.NoColor
	return t
}

// Notify implements upload.Observer
func (t *Terminal) Notify(s upload.State, ev progress.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastState, t.lastEvent = s, ev
	line := t.render(s, ev)

	if !t.tty {
		fmt.Fprintln(t.out, line)
		return
	}
	// Clear the line, then redraw
	fmt.Fprint(t.out, "\r\033[2K"+t.fit(line))
	if s.Terminal() {
		fmt.Fprintln(t.out)
	}
}

// Last returns the most recent state and event
func (t *Terminal) Last() (upload.State, progress.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastState, t.lastEvent
}

// Println writes a message on its own line, keeping any in-place progress
// line intact
func (t *Terminal) Println(msg string, attrs ...color.Attribute) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tty && t.lastState.Active() {
		fmt.Fprint(t.out, "\r\033[2K")
		fmt.Fprintln(t.out, t.colorize(msg, attrs...))
		fmt.Fprint(t.out, t.fit(t.render(t.lastState, t.lastEvent)))
		return
	}
	fmt.Fprintln(t.out, t.colorize(msg, attrs...))
}

func (t *Terminal) render(s upload.State, ev progress.Event) string {
	icon, attrs := statusIcon(ev.Phase)
	bar := progressBar(ev.Percent)
	return fmt.Sprintf("%s %s %3d%% %s",
		t.colorize(icon, attrs...),
		t.colorize(bar, color.FgCyan),
		ev.Percent,
		t.colorize(ev.Message, attrs...),
	)
}

func (t *Terminal) fit(line string) string {
	if t.width <= 0 || t.colorEnabled {
		return line
	}
	if r := []rune(line); len(r) >= t.width {
		return string(r[:t.width-1])
	}
	return line
}

func (t *Terminal) colorize(text string, attrs ...color.Attribute) string {
	if !t.colorEnabled || len(attrs) == 0 {
		return text
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(text)
}

func statusIcon(phase progress.Phase) (string, []color.Attribute) {
	switch phase {
	case progress.PhaseSucceeded:
		return "✔", []color.Attribute{color.FgGreen, color.Bold}
	case progress.PhaseFailed:
		return "✖", []color.Attribute{color.FgRed, color.Bold}
	case progress.PhaseAborting:
		return "↺", []color.Attribute{color.FgYellow}
	default:
		return "↑", []color.Attribute{color.FgBlue}
	}
}

func progressBar(percent int) string {
	percent = max(0, min(100, percent))
	filled := barWidth * percent / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}
