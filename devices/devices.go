package devices

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies the control protocol a discovered TV speaks.
type Kind int

const (
	// KindWebOS is a TV with a persistent-socket control channel that
	// requires on-device pairing.
	KindWebOS Kind = iota
	// KindDIAL is a TV that launches apps through plain DIAL HTTP calls.
	KindDIAL
)

func (k Kind) String() string {
	switch k {
	case KindWebOS:
		return "webos"
	case KindDIAL:
		return "dial"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrNoDeviceAvailable  = errors.New("devicePicker: No available Smart TVs")
	ErrDeviceNotAvailable = errors.New("devicePicker: Requested device not available")
)

// Device describes a TV found during a discovery run.
// Values are never mutated after creation.
type Device struct {
	Name string
	IP   string
	Kind Kind
	// AppURL is the DIAL Application-URL. Only set for KindDIAL.
	AppURL string
}

// New returns a Device. The launch URL is dropped for webOS devices
// since it carries no meaning there.
func New(name, ip string, kind Kind, appURL string) Device {
	if kind != KindDIAL {
		appURL = ""
	}

	return Device{
		Name:   name,
		IP:     ip,
		Kind:   kind,
		AppURL: appURL,
	}
}

// Equal reports whether both records describe the same device.
func (d Device) Equal(o Device) bool {
	return d == o
}

func (d Device) String() string {
	if d.AppURL == "" {
		return fmt.Sprintf("%s [%s %s]", d.Name, d.Kind, d.IP)
	}

	return fmt.Sprintf("%s [%s %s %s]", d.Name, d.Kind, d.IP, d.AppURL)
}

// DevicePicker will pick the nth device, in name order.
func DevicePicker(list []Device, n int) (Device, error) {
	if len(list) == 0 {
		return Device{}, ErrNoDeviceAvailable
	}

	if n > len(list) || n <= 0 {
		return Device{}, ErrDeviceNotAvailable
	}

	return SortedByName(list)[n-1], nil
}

// FindByIP returns the device recorded for the given IP.
func FindByIP(list []Device, ip string) (Device, error) {
	ip = strings.TrimSpace(ip)
	for _, d := range list {
		if d.IP == ip {
			return d, nil
		}
	}

	return Device{}, ErrDeviceNotAvailable
}

// SortedByName returns a sorted copy of the list. The input is left untouched.
func SortedByName(list []Device) []Device {
	out := make([]Device, len(list))
	copy(out, list)

	sort.SliceStable(out, func(i, j int) bool {
		if strings.ToLower(out[i].Name) != strings.ToLower(out[j].Name) {
			return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
		}
		return out[i].IP < out[j].IP
	})

	return out
}
