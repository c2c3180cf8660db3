package devices

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
)

// ErrNoMulticastInterface is returned when no interface can carry the SSDP search.
var ErrNoMulticastInterface = errors.New("no multicast capable network interface")

// MulticastLock guards the host capability to send and receive multicast
// datagrams for the duration of a discovery run. Release must be safe to
// call after a failed Acquire.
type MulticastLock interface {
	// Acquire returns the interface the search should go out on.
	// A nil interface lets the OS pick its default route.
	Acquire() (*net.Interface, error)
	Release()
}

// InterfaceLock pins discovery to the first active, multicast capable,
// non-loopback IPv4 interface. It is reference counted so overlapping
// holders share the same interface.
type InterfaceLock struct {
	mu    sync.Mutex
	refs  int
	iface *net.Interface
}

func (l *InterfaceLock) Acquire() (*net.Interface, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs > 0 {
		l.refs++
		return l.iface, nil
	}

	interfaces := getActiveNetworkInterfaces()
	if len(interfaces) == 0 {
		return nil, ErrNoMulticastInterface
	}

	iface := interfaces[0]
	l.iface = &iface
	l.refs = 1

	return l.iface, nil
}

func (l *InterfaceLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs == 0 {
		return
	}

	l.refs--
	if l.refs == 0 {
		l.iface = nil
	}
}

// getActiveNetworkInterfaces returns all network interfaces that are up,
// multicast-capable, not loopback, and have an IPv4 address.
var getActiveNetworkInterfaces = func() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		// Skip down, loopback, or non-multicast interfaces.
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		hasIPv4 := false
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
					hasIPv4 = true
					break
				}
			}
		}

		if hasIPv4 {
			active = append(active, iface)
		}
	}

	return active
}

// listenMulticast opens the UDP socket used for one discovery run and
// points its outgoing multicast traffic at iface.
func listenMulticast(iface *net.Interface) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("listenMulticast listen error: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(2); err != nil {
		conn.Close()
		return nil, fmt.Errorf("listenMulticast ttl error: %w", err)
	}

	if iface != nil {
		if err := pc.SetMulticastInterface(iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("listenMulticast interface error: %w", err)
		}
	}

	return conn, nil
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
