// Package caststate holds the discovery and cast progress state shared
// between the cast clients and whatever presents it.
package caststate

import (
	"fmt"

	"go2tv.app/smartcast/devices"
)

// Phase is the tag of a State.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDiscovering
	PhaseFound
	PhaseConnecting
	PhaseWaitingForPairing
	PhaseLaunching
	PhaseSuccess
	PhaseFailure
)

var phaseNames = map[Phase]string{
	PhaseIdle:              "Idle",
	PhaseDiscovering:       "Discovering",
	PhaseFound:             "Found",
	PhaseConnecting:        "Connecting",
	PhaseWaitingForPairing: "WaitingForPairing",
	PhaseLaunching:         "Launching",
	PhaseSuccess:           "Success",
	PhaseFailure:           "Failure",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// State is a tagged value. Only the payload that belongs to Phase is set:
// Devices for Found, Device for Connecting, WaitingForPairing and
// Launching, Reason for Failure.
type State struct {
	Phase   Phase
	Devices []devices.Device
	Device  devices.Device
	Reason  string
}

func Idle() State        { return State{Phase: PhaseIdle} }
func Discovering() State { return State{Phase: PhaseDiscovering} }
func Success() State     { return State{Phase: PhaseSuccess} }

// Found copies list so the published value never aliases the caller's slice.
func Found(list []devices.Device) State {
	cp := make([]devices.Device, len(list))
	copy(cp, list)
	return State{Phase: PhaseFound, Devices: cp}
}

func Connecting(d devices.Device) State {
	return State{Phase: PhaseConnecting, Device: d}
}

func WaitingForPairing(d devices.Device) State {
	return State{Phase: PhaseWaitingForPairing, Device: d}
}

func Launching(d devices.Device) State {
	return State{Phase: PhaseLaunching, Device: d}
}

func Failure(reason string) State {
	return State{Phase: PhaseFailure, Reason: reason}
}

// IsTerminal reports whether the cast attempt is over.
func (s State) IsTerminal() bool {
	return s.Phase == PhaseSuccess || s.Phase == PhaseFailure
}

// Equal compares tag and payload.
func (s State) Equal(o State) bool {
	if s.Phase != o.Phase || s.Reason != o.Reason || !s.Device.Equal(o.Device) {
		return false
	}

	if len(s.Devices) != len(o.Devices) {
		return false
	}

	for i := range s.Devices {
		if !s.Devices[i].Equal(o.Devices[i]) {
			return false
		}
	}

	return true
}

func (s State) String() string {
	switch s.Phase {
	case PhaseFound:
		return fmt.Sprintf("Found(%d)", len(s.Devices))
	case PhaseConnecting, PhaseWaitingForPairing, PhaseLaunching:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Device.Name)
	case PhaseFailure:
		return fmt.Sprintf("Failure(%s)", s.Reason)
	default:
		return s.Phase.String()
	}
}

// CanTransition reports whether next may replace s. A finished attempt
// only gives way to a reset or a fresh discovery.
func (s State) CanTransition(next State) bool {
	if !s.IsTerminal() {
		return true
	}
	return next.Phase == PhaseIdle || next.Phase == PhaseDiscovering
}
