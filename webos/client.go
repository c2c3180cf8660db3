// Package webos implements the LG webOS second-screen handshake: pair with
// the TV over its WebSocket control port and ask the launcher to open a URL.
package webos

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go2tv.app/smartcast/caststate"
	"go2tv.app/smartcast/devices"
	"go2tv.app/smartcast/pairing"
)

const (
	DefaultSecurePort       = 3001
	DefaultPlainPort        = 3000
	DefaultHandshakeTimeout = 10 * time.Second

	// RejectedMessage is the failure reason when the TV drops the socket
	// before registering us.
	RejectedMessage = "Connection closed. Pairing may have been rejected on the TV."

	closeGracePeriod = time.Second
)

// Mode is the transport of one connection attempt.
type Mode int

const (
	ModeSecure Mode = iota
	ModePlain
)

func (m Mode) String() string {
	switch m {
	case ModeSecure:
		return "wss"
	case ModePlain:
		return "ws"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// Options tunes a Client. Zero fields take the defaults above.
type Options struct {
	SecurePort       int
	PlainPort        int
	HandshakeTimeout time.Duration
	// TrustDeviceCertificates accepts the TV's self-signed certificate on
	// the secure port. It only affects this client's own dialer.
	TrustDeviceCertificates bool
	// NoFallback skips the plaintext attempt after a failed secure one.
	NoFallback bool
}

// Stats counts what a Client did so far.
type Stats struct {
	Attempts  int
	Malformed int
	Ignored   int
}

// Client drives one cast to one webOS TV. It makes at most two connection
// attempts: secure first, then one plaintext fallback if the secure socket
// fails before the TV registers us.
type Client struct {
	Logger    zerolog.Logger
	LogOutput io.Writer

	device    devices.Device
	streamURL string
	store     pairing.Store
	write     caststate.Writer
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	initLogOnce sync.Once
	startOnce   sync.Once

	// mu guards conn and closed, and is held while publishing so that
	// nothing is published once Close returns.
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	attempts  atomic.Int64
	malformed atomic.Int64
	ignored   atomic.Int64
}

// outcome is how a single connection attempt ended.
type outcome struct {
	// finished is set when the attempt reached a terminal state or the
	// client was discarded. Otherwise the attempt failed before registration.
	finished bool
	reason   string
}

// New returns a Client that publishes progress through write. A nil store
// keeps pairing keys in memory.
func New(dev devices.Device, streamURL string, store pairing.Store, write caststate.Writer, opts Options) *Client {
	if store == nil {
		store = &pairing.MemoryStore{}
	}
	if opts.SecurePort <= 0 {
		opts.SecurePort = DefaultSecurePort
	}
	if opts.PlainPort <= 0 {
		opts.PlainPort = DefaultPlainPort
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		device:    dev,
		streamURL: streamURL,
		store:     store,
		write:     write,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (c *Client) Log() *zerolog.Logger {
	if c.LogOutput != nil {
		c.initLogOnce.Do(func() {
			c.Logger = zerolog.New(c.LogOutput).With().Timestamp().Logger()
		})
	}
	return &c.Logger
}

// Start runs the handshake on its own goroutine. Only the first call has
// an effect.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Done is closed once the client stopped for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close discards the client and closes its socket. No state is published
// after Close returns. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}

	// A client that never started still reports Done.
	c.startOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) Stats() Stats {
	return Stats{
		Attempts:  int(c.attempts.Load()),
		Malformed: int(c.malformed.Load()),
		Ignored:   int(c.ignored.Load()),
	}
}

func (c *Client) run() {
	defer close(c.done)

	modes := []Mode{ModeSecure, ModePlain}
	if c.opts.NoFallback {
		modes = modes[:1]
	}

	for i, mode := range modes {
		res := c.session(mode)
		if res.finished || c.discarded() {
			return
		}

		if i < len(modes)-1 {
			c.Log().Debug().Str("Method", "run").Str("IP", c.device.IP).Str("Mode", mode.String()).
				Str("Reason", res.reason).Msg("falling back to plaintext")
			continue
		}

		c.publish(caststate.Failure(res.reason))
	}
}

func (c *Client) session(mode Mode) outcome {
	attempt := c.attempts.Add(1)
	addr := c.url(mode)

	log := c.Log().With().Str("IP", c.device.IP).Str("Mode", mode.String()).Int64("Attempt", attempt).Logger()
	log.Debug().Str("Method", "session").Str("URL", addr).Msg("connecting")

	conn, resp, err := c.dialer(mode).DialContext(c.ctx, addr, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		log.Debug().Str("Method", "session").Err(err).Msg("dial failed")
		return outcome{reason: err.Error()}
	}

	if !c.attach(conn) {
		conn.Close()
		return outcome{finished: true}
	}
	defer c.detach(conn)

	if !c.publish(caststate.WaitingForPairing(c.device)) {
		return outcome{finished: true}
	}

	var seq sequence
	key, _ := c.store.Get(c.device.IP)
	if err := conn.WriteJSON(newRegisterFrame(&seq, key)); err != nil {
		log.Debug().Str("Method", "session").Err(err).Msg("register not sent")
		return outcome{reason: RejectedMessage}
	}

	registered := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.discarded() {
				return outcome{finished: true}
			}

			log.Debug().Str("Method", "session").Bool("Registered", registered).Err(err).Msg("socket closed")
			if !registered {
				return outcome{reason: RejectedMessage}
			}

			c.publish(caststate.Failure(err.Error()))
			return outcome{finished: true}
		}

		frame, err := parseFrame(data)
		if err != nil {
			c.malformed.Add(1)
			log.Debug().Str("Method", "session").Err(err).Msg("frame ignored")
			continue
		}

		switch frame.Type {
		case TypeRegistered:
			if registered {
				c.ignored.Add(1)
				continue
			}
			registered = true

			if newKey := frame.ClientKey(); newKey != "" {
				if err := c.store.Set(c.device.IP, newKey); err != nil {
					log.Warn().Str("Method", "session").Err(err).Msg("client key not saved")
				}
			}

			if !c.publish(caststate.Launching(c.device)) {
				return outcome{finished: true}
			}

			if err := conn.WriteJSON(newLaunchFrame(&seq, c.streamURL)); err != nil {
				c.publish(caststate.Failure(err.Error()))
				return outcome{finished: true}
			}

		case TypeResponse:
			if !registered {
				c.ignored.Add(1)
				continue
			}

			c.publish(caststate.Success())
			closeGracefully(conn)
			return outcome{finished: true}

		case TypeError:
			c.publish(caststate.Failure(frame.ErrorText()))
			closeGracefully(conn)
			return outcome{finished: true}

		default:
			c.ignored.Add(1)
		}
	}
}

func (c *Client) url(mode Mode) string {
	port := c.opts.SecurePort
	if mode == ModePlain {
		port = c.opts.PlainPort
	}

	return fmt.Sprintf("%s://%s/", mode, net.JoinHostPort(c.device.IP, strconv.Itoa(port)))
}

func (c *Client) dialer(mode Mode) *websocket.Dialer {
	d := &websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}

	if mode == ModeSecure {
		d.TLSClientConfig = deviceTLSConfig(c.opts.TrustDeviceCertificates)
	}

	return d
}

// publish hands s to the writer unless the client was discarded. A writer
// that refuses the state discards the client.
func (c *Client) publish(s caststate.State) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	err := c.write(s)
	if err == nil {
		c.mu.Unlock()
		return true
	}

	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.Log().Debug().Str("Method", "publish").Str("IP", c.device.IP).Str("State", s.String()).
		Err(err).Msg("writer refused state")

	c.cancel()
	if conn != nil {
		conn.Close()
	}

	return false
}

func (c *Client) discarded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	conn.Close()
}

func closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
}
