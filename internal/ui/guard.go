package ui

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
)

// LeaveWarning is shown on the first interrupt while an upload is active
const LeaveWarning = "Upload in progress. Are you sure you want to leave?"

// Guard intercepts interrupts while an upload is active. The first one
// only warns; the second cancels. Once the upload is no longer active an
// interrupt cancels immediately.
type Guard struct {
	term   *Terminal
	active func() bool
	cancel context.CancelFunc

	mu     sync.Mutex
	warned bool

	notify  func(chan<- os.Signal, ...os.Signal)
	release func(chan<- os.Signal)
}

// NewGuard creates a Guard. active reports whether leaving should be
// questioned; cancel stops the upload.
func NewGuard(t *Terminal, active func() bool, cancel context.CancelFunc) *Guard {
	return &Guard{
		term:    t,
		active:  active,
		cancel:  cancel,
		notify:  signal.Notify,
		release: signal.Stop,
	}
}

// Handle processes one interrupt and reports whether it cancelled
func (g *Guard) Handle(os.Signal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active() {
		g.cancel()
		return true
	}
	if !g.warned {
		g.warned = true
		g.term.Println(LeaveWarning+" Press Ctrl+C again to abort.", color.FgYellow, color.Bold)
		return false
	}

	g.term.Println("Aborting upload...", color.FgRed)
	g.cancel()
	return true
}

// Install routes SIGINT and SIGTERM to Handle until an interrupt cancels
// or the returned stop function is called. After cancelling, default
// handling is back, so another Ctrl+C kills the process while the abort
// runs.
func (g *Guard) Install() (stop func()) {
	sigs := make(chan os.Signal, 2)
	g.notify(sigs, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case sig := <-sigs:
				if g.Handle(sig) {
					g.release(sigs)
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.release(sigs)
			close(done)
			<-exited
		})
	}
}
