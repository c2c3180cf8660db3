package interactive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/encoding"
	"github.com/mattn/go-runewidth"
	"go2tv.app/smartcast/caststate"
	"go2tv.app/smartcast/devices"
	"go2tv.app/smartcast/internal/screeninterfaces"
	"golang.org/x/time/rate"
)

const rescanInterval = 3 * time.Second

// Controller is the cast manager as seen by the screen.
type Controller interface {
	StartDiscovery()
	ConnectAndCast(dev devices.Device, streamURL string) error
	Reset()
	State() caststate.State
	Subscribe() (<-chan caststate.State, func())
}

// NewScreen .
type NewScreen struct {
	Current   tcell.Screen
	Manager   Controller
	StreamURL string
	// TargetIP casts to that TV as soon as a scan finds it.
	TargetIP string

	mu          sync.RWMutex
	lastAction  string
	state       caststate.State
	targetTried bool
	limiter     *rate.Limiter
}

func (p *NewScreen) emitStr(x, y int, style tcell.Style, str string) {
	s := p.Current
	for _, c := range str {
		var comb []rune
		w := runewidth.RuneWidth(c)
		if w == 0 {
			comb = []rune{c}
			c = ' '
			w = 1
		}
		s.SetContent(x, y, c, comb, style)
		x += w
	}
}

// EmitMsg - Display the cast progress to the interactive terminal.
// Method to implement the screen interface
func (p *NewScreen) EmitMsg(inputtext string) {
	p.mu.Lock()
	p.lastAction = inputtext
	st := p.state
	p.mu.Unlock()

	s := p.Current
	title := "Stream: " + streamTitle(p.StreamURL)
	w, h := s.Size()
	boldStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Bold(true)
	blinkStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Blink(true)
	failStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorRed).Bold(true)

	s.Clear()

	p.emitStr(w/2-runewidth.StringWidth(title)/2, h/2-4, tcell.StyleDefault, title)

	style := boldStyle
	switch st.Phase {
	case caststate.PhaseDiscovering, caststate.PhaseConnecting, caststate.PhaseWaitingForPairing, caststate.PhaseLaunching:
		style = blinkStyle
	case caststate.PhaseFailure:
		style = failStyle
	}
	p.emitStr(w/2-runewidth.StringWidth(inputtext)/2, h/2-2, style, inputtext)

	line := h / 2
	if detail := detailForState(st); detail != "" {
		p.emitStr(w/2-runewidth.StringWidth(detail)/2, line, tcell.StyleDefault, detail)
		line += 2
	}

	if st.Phase == caststate.PhaseFound {
		for i, d := range devices.SortedByName(st.Devices) {
			entry := fmt.Sprintf("%d) %s", i+1, d.Name)
			p.emitStr(w/2-runewidth.StringWidth(entry)/2, line+i, tcell.StyleDefault, entry)
		}
	}

	p.emitStr(1, 1, tcell.StyleDefault, "Press ESC to stop and exit.")
	if hint := hintForState(st); hint != "" {
		p.emitStr(1, h-2, tcell.StyleDefault, hint)
	}

	s.Show()
}

// InterInit - Start the interactive terminal, run a first scan and
// handle keys until ESC.
func (p *NewScreen) InterInit(ctx context.Context) error {
	encoding.Register()
	s := p.Current
	if err := s.Init(); err != nil {
		return fmt.Errorf("InterInit: %w", err)
	}

	defStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite)
	s.SetStyle(defStyle)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	states, unsubscribe := p.Manager.Subscribe()
	defer unsubscribe()

	go screeninterfaces.Follow(ctx, states, p, p.render, p.onState)

	p.Manager.StartDiscovery()

	for {
		switch ev := s.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			s.Sync()
			p.EmitMsg(p.lastMessage())
		case *tcell.EventKey:
			if p.handleKey(ev.Key(), ev.Rune()) {
				p.Manager.Reset()
				cancel()
				s.Fini()
				return nil
			}
		}
	}
}

// Fini Method to implement the screen interface
func (p *NewScreen) Fini() {
	p.Current.Fini()
}

func (p *NewScreen) lastMessage() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastAction
}

func (p *NewScreen) render(st caststate.State) string {
	p.mu.Lock()
	p.state = st
	p.mu.Unlock()

	return MessageForState(st)
}

// onState casts to TargetIP the first time a scan finds it.
func (p *NewScreen) onState(st caststate.State) {
	if p.TargetIP == "" || st.Phase != caststate.PhaseFound {
		return
	}

	p.mu.Lock()
	if p.targetTried {
		p.mu.Unlock()
		return
	}

	dev, err := devices.FindByIP(st.Devices, p.TargetIP)
	if err != nil {
		p.mu.Unlock()
		return
	}
	p.targetTried = true
	p.mu.Unlock()

	if err := p.Manager.ConnectAndCast(dev, p.StreamURL); err != nil {
		screeninterfaces.Emit(p, "Failed: "+err.Error())
	}
}

// handleKey reacts to a key press and reports whether the screen should exit.
func (p *NewScreen) handleKey(key tcell.Key, r rune) bool {
	switch key {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	case tcell.KeyRune:
	default:
		return false
	}

	switch {
	case r == 'r' || r == 'R':
		p.rescan()
	case r >= '1' && r <= '9':
		p.selectDevice(int(r - '0'))
	}

	return false
}

func (p *NewScreen) rescan() {
	p.mu.Lock()
	if p.limiter == nil {
		p.limiter = rate.NewLimiter(rate.Every(rescanInterval), 1)
	}
	allowed := p.limiter.Allow()
	p.mu.Unlock()

	if allowed {
		p.Manager.StartDiscovery()
	}
}

func (p *NewScreen) selectDevice(n int) {
	st := p.Manager.State()
	if st.Phase != caststate.PhaseFound {
		return
	}

	dev, err := devices.DevicePicker(st.Devices, n)
	if err != nil {
		return
	}

	if err := p.Manager.ConnectAndCast(dev, p.StreamURL); err != nil {
		screeninterfaces.Emit(p, "Failed: "+err.Error())
	}
}

// MessageForState returns the headline shown for a state.
func MessageForState(st caststate.State) string {
	switch st.Phase {
	case caststate.PhaseIdle:
		return "Press r to search for Smart TVs."
	case caststate.PhaseDiscovering:
		return "Searching for Smart TVs..."
	case caststate.PhaseFound:
		if len(st.Devices) == 0 {
			return "No Smart TVs found on your WiFi network."
		}
		return "Select your TV:"
	case caststate.PhaseConnecting:
		return "Connecting to " + st.Device.Name + "..."
	case caststate.PhaseWaitingForPairing:
		return "Accept the pairing request on your TV"
	case caststate.PhaseLaunching:
		return "Opening stream on " + st.Device.Name + "..."
	case caststate.PhaseSuccess:
		return "Stream sent! Check your TV."
	case caststate.PhaseFailure:
		return "Failed: " + st.Reason
	}
	return st.String()
}

func detailForState(st caststate.State) string {
	if st.Phase == caststate.PhaseWaitingForPairing {
		return "A dialog should appear on " + st.Device.Name + ". Select 'Allow' to continue."
	}
	return ""
}

func hintForState(st caststate.State) string {
	switch st.Phase {
	case caststate.PhaseFound:
		if len(st.Devices) == 0 {
			return "Press r to retry."
		}
		n := min(len(st.Devices), 9)
		return "Press 1-" + strconv.Itoa(n) + " to select a TV, r to rescan."
	case caststate.PhaseSuccess:
		return "Press ESC when done, r to scan again."
	case caststate.PhaseFailure:
		return "Press r to retry."
	case caststate.PhaseConnecting, caststate.PhaseWaitingForPairing, caststate.PhaseLaunching:
		return "Press r to cancel and rescan."
	}
	return ""
}

func streamTitle(streamURL string) string {
	u, err := url.Parse(streamURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return streamURL
	}

	return strings.TrimLeft(u.Path, "/")
}

// InitTcellNewScreen .
func InitTcellNewScreen(m Controller, streamURL string) (*NewScreen, error) {
	s, e := tcell.NewScreen()
	if e != nil {
		return nil, errors.New("can't start new interactive screen")
	}
	return &NewScreen{
		Current:   s,
		Manager:   m,
		StreamURL: streamURL,
	}, nil
}
