package devices

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// SSDPGroup is the standard SSDP multicast group and port.
	SSDPGroup = "239.255.255.250:1900"
	// DefaultReceiveTimeout ends a search wave once no datagram arrives for this long.
	DefaultReceiveTimeout = 4000 * time.Millisecond

	datagramBufferSize = 4096
)

// ScanStats counts what happened to the datagrams of the last discovery run.
type ScanStats struct {
	Datagrams       int
	Duplicates      int
	Malformed       int
	Discarded       int
	ResolveFailures int
}

// Scanner finds castable TVs with an SSDP search. The zero value is ready
// to use and searches with the defaults.
type Scanner struct {
	// Targets overrides DefaultTargets.
	Targets []string
	// ReceiveTimeout overrides DefaultReceiveTimeout.
	ReceiveTimeout time.Duration
	// Group overrides SSDPGroup.
	Group string
	// Lock overrides the default InterfaceLock.
	Lock MulticastLock
	// HTTPClient is used to fetch device descriptions.
	HTTPClient *http.Client

	Logger    zerolog.Logger
	LogOutput io.Writer

	// Listen opens the UDP socket. Defaults to a multicast socket bound to
	// the interface returned by Lock.
	Listen func(iface *net.Interface) (net.PacketConn, error)
	// ResolveAppURL resolves the DIAL Application-URL of a device. Defaults
	// to GetApplicationURL.
	ResolveAppURL func(ctx context.Context, location string) (string, error)

	initLogOnce sync.Once
	defaultLock InterfaceLock

	mu    sync.Mutex
	stats ScanStats
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (s *Scanner) Log() *zerolog.Logger {
	if s.LogOutput != nil {
		s.initLogOnce.Do(func() {
			s.Logger = zerolog.New(s.LogOutput).With().Timestamp().Logger()
		})
	}
	return &s.Logger
}

// Stats returns the counters of the most recent Discover call.
func (s *Scanner) Stats() ScanStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Discover runs one SSDP search over every target and returns the TVs that
// answered. It never fails. Transport errors end the search early and
// whatever was collected up to that point is returned.
func (s *Scanner) Discover(ctx context.Context) []Device {
	run := &scanRun{
		scanner: s,
		seen:    make(map[string]struct{}),
		found:   []Device{},
	}
	defer func() {
		s.mu.Lock()
		s.stats = run.stats
		s.mu.Unlock()
	}()

	lock := s.lock()
	defer lock.Release()

	iface, err := lock.Acquire()
	if err != nil {
		s.Log().Warn().Str("Method", "Discover").Err(err).Msg("multicast lock unavailable")
		return []Device{}
	}

	listen := s.Listen
	if listen == nil {
		listen = listenMulticast
	}

	conn, err := listen(iface)
	if err != nil {
		s.Log().Warn().Str("Method", "Discover").Err(err).Msg("socket open failed")
		return []Device{}
	}
	defer conn.Close()

	// Cancelling the context unblocks a pending read.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	group, err := net.ResolveUDPAddr("udp4", s.group())
	if err != nil {
		s.Log().Warn().Str("Method", "Discover").Err(err).Msg("bad multicast group")
		return []Device{}
	}

	for _, target := range s.targets() {
		if ctx.Err() != nil {
			break
		}

		if err := run.wave(ctx, conn, group, target); err != nil {
			s.Log().Warn().Str("Method", "Discover").Str("Target", target).Err(err).Msg("search aborted")
			break
		}
	}

	s.Log().Debug().Str("Method", "Discover").Int("Found", len(run.found)).
		Int("Datagrams", run.stats.Datagrams).Int("Malformed", run.stats.Malformed).Msg("discovery finished")

	return run.found
}

func (s *Scanner) lock() MulticastLock {
	if s.Lock != nil {
		return s.Lock
	}
	return &s.defaultLock
}

func (s *Scanner) targets() []string {
	if len(s.Targets) > 0 {
		return s.Targets
	}
	return DefaultTargets
}

func (s *Scanner) group() string {
	if s.Group != "" {
		return s.Group
	}
	return SSDPGroup
}

func (s *Scanner) receiveTimeout() time.Duration {
	if s.ReceiveTimeout > 0 {
		return s.ReceiveTimeout
	}
	return DefaultReceiveTimeout
}

func (s *Scanner) resolveAppURL(ctx context.Context, location string) (string, error) {
	if s.ResolveAppURL != nil {
		return s.ResolveAppURL(ctx, location)
	}

	client := s.HTTPClient
	if client == nil {
		client = NewDescriptionHTTPClient(descriptionHTTPTimeout)
	}

	return GetApplicationURL(ctx, client, location)
}

type scanRun struct {
	scanner *Scanner
	seen    map[string]struct{}
	found   []Device
	stats   ScanStats
}

// wave sends a single M-SEARCH and collects answers until the socket goes quiet.
// A read timeout is the normal end of a wave and is not reported.
func (r *scanRun) wave(ctx context.Context, conn net.PacketConn, group net.Addr, target string) error {
	s := r.scanner
	if _, err := conn.WriteTo(searchMessage(target, s.group()), group); err != nil {
		return err
	}

	buf := make([]byte, datagramBufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.receiveTimeout())); err != nil {
			return err
		}

		// A cancel that landed before the deadline above lost its wakeup.
		if ctx.Err() != nil {
			return nil
		}

		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeoutError(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if ctx.Err() != nil {
			return nil
		}

		r.handle(ctx, target, addr, string(buf[:n]))
	}
}

func (r *scanRun) handle(ctx context.Context, target string, addr net.Addr, text string) {
	s := r.scanner
	r.stats.Datagrams++

	ip := senderIP(addr)
	if ip == "" {
		r.stats.Malformed++
		return
	}

	if _, ok := r.seen[ip]; ok {
		r.stats.Duplicates++
		return
	}

	header, err := parseResponse(text)
	if err != nil {
		r.stats.Malformed++
		s.Log().Debug().Str("Method", "handle").Str("IP", ip).Err(err).Msg("malformed response skipped")
		return
	}

	switch classify(target, text) {
	case verdictWebOS:
		r.add(New(friendlyName(text, ip, "LG webOS TV"), ip, KindWebOS, ""))
	case verdictDIAL:
		location := header.Get("Location")
		if location == "" {
			r.stats.ResolveFailures++
			return
		}

		appURL, err := s.resolveAppURL(ctx, location)
		if err != nil {
			r.stats.ResolveFailures++
			s.Log().Debug().Str("Method", "handle").Str("IP", ip).Str("Location", location).Err(err).Msg("no DIAL endpoint")
			return
		}

		r.add(New(friendlyName(text, ip, "Smart TV"), ip, KindDIAL, appURL))
	default:
		r.stats.Discarded++
	}
}

func (r *scanRun) add(d Device) {
	r.seen[d.IP] = struct{}{}
	r.found = append(r.found, d)
	r.scanner.Log().Debug().Str("Method", "add").Str("IP", d.IP).Str("Kind", d.Kind.String()).Str("Name", d.Name).Msg("device found")
}

func senderIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		if a == nil || a.IP == nil {
			return ""
		}
		return a.IP.String()
	case nil:
		return ""
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return ""
		}
		return host
	}
}
