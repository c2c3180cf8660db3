package screeninterfaces

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go2tv.app/smartcast/caststate"
)

// Screen interface
type Screen interface {
	EmitMsg(string)
	Fini()
}

// Emit .
func Emit(scr Screen, s string) {
	scr.EmitMsg(s)
}

// Close .
func Close(scr Screen) {
	scr.Fini()
}

// Follow emits render(s) for every state received until states is closed
// or ctx is done. onState, if set, runs after each state was emitted.
func Follow(ctx context.Context, states <-chan caststate.State, scr Screen, render func(caststate.State) string, onState func(caststate.State)) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}

			Emit(scr, render(s))
			if onState != nil {
				onState(s)
			}
		}
	}
}

// LineScreen prints every message on its own line. It is used when no
// terminal UI is available.
type LineScreen struct {
	W io.Writer

	mu   sync.Mutex
	last string
}

// EmitMsg writes msg unless it repeats the previous message.
func (l *LineScreen) EmitMsg(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if msg == l.last {
		return
	}
	l.last = msg

	fmt.Fprintln(l.W, msg)
}

// Fini .
func (l *LineScreen) Fini() {}
