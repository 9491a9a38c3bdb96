// Package progress redraws a single status line on a terminal while a
// generation runs.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"
)

type State interface {
	String() string
}

type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w *bufio.Writer

	state State

	ticker  *time.Ticker
	done    chan struct{}
	once    sync.Once
	stopped bool
}

// NewProgress starts redrawing state on w every 100ms until Stop is called.
func NewProgress(w io.Writer, state State) *Progress {
	p := &Progress{
		w:      bufio.NewWriter(w),
		state:  state,
		ticker: time.NewTicker(100 * time.Millisecond),
		done:   make(chan struct{}),
	}

	// hide cursor
	fmt.Fprint(p.w, "\033[?25l")
	go p.start()
	return p
}

// Stop draws the final state, ends the line and restores the cursor. It is
// safe to call more than once.
func (p *Progress) Stop() {
	p.once.Do(func() {
		p.ticker.Stop()
		close(p.done)

		p.mu.Lock()
		defer p.mu.Unlock()

		p.draw()
		p.stopped = true

		// show cursor
		fmt.Fprint(p.w, "\n\033[?25h")
		p.w.Flush()
	})
}

func (p *Progress) render() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}

	p.draw()
	p.w.Flush()
}

func (p *Progress) draw() {
	fmt.Fprint(p.w, "\033[1G", p.state.String(), "\033[K")
}

func (p *Progress) start() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.render()
		}
	}
}
