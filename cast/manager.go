// Package cast ties discovery and the two launch protocols together behind
// a single observable progress state.
package cast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go2tv.app/smartcast/caststate"
	"go2tv.app/smartcast/devices"
	"go2tv.app/smartcast/dial"
	"go2tv.app/smartcast/pairing"
	"go2tv.app/smartcast/webos"
)

var (
	ErrInvalidStreamURL = errors.New("stream URL must be an absolute http or https URL")
	ErrUnknownKind      = errors.New("unsupported device kind")
)

// Failure reasons shown for DIAL errors.
const (
	noEndpointReason   = "No DIAL endpoint found for this TV"
	cannotLaunchReason = "Could not launch browser on this TV via DIAL."
)

// Discoverer runs one discovery scan.
type Discoverer interface {
	Discover(ctx context.Context) []devices.Device
}

// Launcher starts a browser on a DIAL device.
type Launcher interface {
	Launch(ctx context.Context, dev devices.Device, streamURL string) (dial.Result, error)
}

// Options wires a Manager. Nil fields get working defaults.
type Options struct {
	Scanner  Discoverer
	Launcher Launcher
	Store    pairing.Store
	WebOS    webos.Options
}

// Manager owns the cast state. At most one discovery scan and one cast
// attempt run at a time; starting either one discards whatever ran before.
type Manager struct {
	Logger    zerolog.Logger
	LogOutput io.Writer

	cell      *caststate.Cell
	scanner   Discoverer
	launcher  Launcher
	store     pairing.Store
	webosOpts webos.Options

	initLogOnce sync.Once

	mu            sync.Mutex
	stopDiscovery context.CancelFunc
	stopLaunch    context.CancelFunc
	active        *webos.Client
	attempt       string
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		cell:      caststate.NewCell(),
		scanner:   opts.Scanner,
		launcher:  opts.Launcher,
		store:     opts.Store,
		webosOpts: opts.WebOS,
	}

	if m.scanner == nil {
		m.scanner = &devices.Scanner{}
	}
	if m.launcher == nil {
		m.launcher = &dial.Launcher{}
	}
	if m.store == nil {
		m.store = &pairing.MemoryStore{}
	}

	return m
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (m *Manager) Log() *zerolog.Logger {
	if m.LogOutput != nil {
		m.initLogOnce.Do(func() {
			m.Logger = zerolog.New(m.LogOutput).With().Timestamp().Logger()
		})
	}
	return &m.Logger
}

// State returns the current progress state.
func (m *Manager) State() caststate.State {
	return m.cell.Load()
}

// Subscribe follows the progress state. See caststate.Cell.Subscribe.
func (m *Manager) Subscribe() (<-chan caststate.State, func()) {
	return m.cell.Subscribe()
}

// Attempt returns the id of the most recent discovery or cast attempt.
func (m *Manager) Attempt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// StartDiscovery publishes Discovering and scans in the background. The
// result is published as Found unless the scan was discarded meanwhile.
func (m *Manager) StartDiscovery() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	epoch, err := m.cell.Begin(caststate.Discovering())
	if err != nil {
		m.Log().Warn().Str("Method", "StartDiscovery").Err(err).Msg("discovery not started")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.stopDiscovery = cancel
	m.attempt = uuid.NewString()

	log := m.Log().With().Str("Attempt", m.attempt).Logger()
	log.Debug().Str("Method", "StartDiscovery").Msg("scanning")

	go func() {
		defer cancel()

		list := m.scanner.Discover(ctx)
		if ctx.Err() != nil {
			return
		}

		if err := m.cell.PublishAt(epoch, caststate.Found(list)); err != nil {
			log.Debug().Str("Method", "StartDiscovery").Err(err).Msg("result dropped")
			return
		}

		log.Debug().Str("Method", "StartDiscovery").Int("Found", len(list)).Msg("scan finished")
	}()
}

// ConnectAndCast starts casting streamURL to dev. The chosen protocol
// client is the only writer of the state until it reaches Success or
// Failure. Casting after a finished attempt requires Reset or
// StartDiscovery first.
func (m *Manager) ConnectAndCast(dev devices.Device, streamURL string) error {
	if err := validateStreamURL(streamURL); err != nil {
		return err
	}

	if dev.Kind != devices.KindWebOS && dev.Kind != devices.KindDIAL {
		return fmt.Errorf("ConnectAndCast: %w: %s", ErrUnknownKind, dev.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	epoch, err := m.cell.Begin(caststate.Connecting(dev))
	if err != nil {
		return fmt.Errorf("ConnectAndCast: %w", err)
	}

	write := m.cell.Writer(epoch)
	m.attempt = uuid.NewString()

	log := m.Log().With().Str("Attempt", m.attempt).Str("IP", dev.IP).Str("Kind", dev.Kind.String()).Logger()
	log.Debug().Str("Method", "ConnectAndCast").Msg("casting")

	switch dev.Kind {
	case devices.KindWebOS:
		c := webos.New(dev, streamURL, m.store, write, m.webosOpts)
		c.Logger = log
		m.active = c
		c.Start()

	case devices.KindDIAL:
		ctx, cancel := context.WithCancel(context.Background())
		m.stopLaunch = cancel
		go m.launchDIAL(ctx, cancel, dev, streamURL, write, log)
	}

	return nil
}

func (m *Manager) launchDIAL(ctx context.Context, cancel context.CancelFunc, dev devices.Device, streamURL string, write caststate.Writer, log zerolog.Logger) {
	defer cancel()

	if err := write(caststate.Launching(dev)); err != nil {
		return
	}

	res, err := m.launcher.Launch(ctx, dev, streamURL)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		log.Debug().Str("Method", "launchDIAL").Int("Attempts", res.Attempts).Err(err).Msg("launch failed")
		_ = write(caststate.Failure(failureReason(err)))
		return
	}

	log.Debug().Str("Method", "launchDIAL").Str("App", res.AppID).Msg("launched")
	_ = write(caststate.Success())
}

// Reset discards any running scan or cast and publishes Idle.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	if _, err := m.cell.Begin(caststate.Idle()); err != nil {
		m.Log().Warn().Str("Method", "Reset").Err(err).Msg("reset refused")
	}
}

// Close resets the manager and releases the pairing store.
func (m *Manager) Close() error {
	m.Reset()

	if c, ok := m.store.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

func (m *Manager) stopLocked() {
	if m.stopDiscovery != nil {
		m.stopDiscovery()
		m.stopDiscovery = nil
	}

	if m.stopLaunch != nil {
		m.stopLaunch()
		m.stopLaunch = nil
	}

	if m.active != nil {
		m.active.Close()
		m.active = nil
	}
}

func validateStreamURL(streamURL string) error {
	u, err := url.ParseRequestURI(streamURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStreamURL, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s", ErrInvalidStreamURL, streamURL)
	}

	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, dial.ErrNoEndpoint):
		return noEndpointReason
	case errors.Is(err, dial.ErrCannotLaunch):
		return cannotLaunchReason
	}
	return err.Error()
}
