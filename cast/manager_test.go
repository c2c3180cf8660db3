package cast

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go2tv.app/smartcast/caststate"
	"go2tv.app/smartcast/devices"
	"go2tv.app/smartcast/dial"
	"go2tv.app/smartcast/pairing"
	"go2tv.app/smartcast/webos"
)

const testStreamURL = "http://192.168.1.9:8080/live/index.m3u8"

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type datagram struct {
	from string
	text string
}

// scriptedConn answers each M-SEARCH with the datagrams listed for its ST.
type scriptedConn struct {
	mu        sync.Mutex
	responses map[string][]datagram
	queue     []datagram
}

func (c *scriptedConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, line := range strings.Split(string(b), "\r\n") {
		if target, ok := strings.CutPrefix(line, "ST: "); ok {
			c.queue = append(c.queue, c.responses[target]...)
		}
	}

	return len(b), nil
}

func (c *scriptedConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return 0, nil, timeoutError{}
	}

	d := c.queue[0]
	c.queue = c.queue[1:]

	return copy(b, d.text), &net.UDPAddr{IP: net.ParseIP(d.from), Port: 1900}, nil
}

func (c *scriptedConn) Close() error                       { return nil }
func (c *scriptedConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (c *scriptedConn) SetDeadline(t time.Time) error      { return nil }
func (c *scriptedConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *scriptedConn) SetWriteDeadline(t time.Time) error { return nil }

type noLock struct{}

func (noLock) Acquire() (*net.Interface, error) { return nil, nil }
func (noLock) Release()                         {}

func ssdpResponse(target, server, location string) string {
	return "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"LOCATION: " + location + "\r\n" +
		"SERVER: " + server + "\r\n" +
		"ST: " + target + "\r\n\r\n"
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}

	return port
}

func closedPort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	return port
}

// waitFor reads states until one with the given phase arrives.
func waitFor(t *testing.T, ch <-chan caststate.State, phase caststate.Phase) caststate.State {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.Phase == phase {
				return s
			}
			if s.IsTerminal() {
				t.Fatalf("got %s while waiting for %s", s, phase)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", phase)
		}
	}
}

// stepTV is a webOS endpoint that pauses at every handshake step until the
// test lets it continue.
type stepTV struct {
	accept  chan struct{}
	pair    chan struct{}
	launch  chan struct{}
	frames  chan map[string]any
	handled chan struct{}
}

func newStepTV() *stepTV {
	return &stepTV{
		accept:  make(chan struct{}),
		pair:    make(chan struct{}),
		launch:  make(chan struct{}),
		frames:  make(chan map[string]any, 4),
		handled: make(chan struct{}),
	}
}

func (tv *stepTV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer close(tv.handled)

	<-tv.accept

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		return
	}
	tv.frames <- frame

	<-tv.pair
	_ = conn.WriteJSON(map[string]any{"type": "registered", "payload": map[string]any{"client-key": "key-1"}})

	if err := conn.ReadJSON(&frame); err != nil {
		return
	}
	tv.frames <- frame

	<-tv.launch
	_ = conn.WriteJSON(map[string]any{"type": "response", "payload": map[string]any{"returnValue": true}})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestDiscoverAndCast(t *testing.T) {
	var (
		mu    sync.Mutex
		posts []string
	)

	dialServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/dd.xml":
			w.Header().Set("Application-URL", "http://"+r.Host+"/apps/")
			_, _ = w.Write([]byte(`<root/>`))
		case r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			if string(body) != testStreamURL {
				t.Errorf("DIAL body = %q, want %q", body, testStreamURL)
			}
			mu.Lock()
			posts = append(posts, r.URL.Path)
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer dialServer.Close()

	tv := newStepTV()
	tvServer := httptest.NewServer(tv)
	defer tvServer.Close()

	conn := &scriptedConn{responses: map[string][]datagram{
		devices.TargetWebOS: {{
			from: "127.0.0.1",
			text: ssdpResponse(devices.TargetWebOS, "Linux/4.4 UPnP/1.0 LGE WebOS/5.0", "http://127.0.0.1:1900/"),
		}},
		devices.TargetDIAL: {{
			from: "127.0.0.2",
			text: ssdpResponse(devices.TargetDIAL, "Tizen/4.0 UPnP/1.0 Samsung/1.0", dialServer.URL+"/dd.xml"),
		}},
	}}

	scanner := &devices.Scanner{
		Lock:           noLock{},
		ReceiveTimeout: 10 * time.Millisecond,
		Listen: func(iface *net.Interface) (net.PacketConn, error) {
			return conn, nil
		},
	}

	store := &pairing.MemoryStore{}
	m := NewManager(Options{
		Scanner: scanner,
		Store:   store,
		WebOS: webos.Options{
			SecurePort: closedPort(t),
			PlainPort:  portOf(t, tvServer.URL),
		},
	})
	defer m.Close()

	ch, cancel := m.Subscribe()
	defer cancel()

	m.StartDiscovery()
	found := waitFor(t, ch, caststate.PhaseFound)

	wantA := devices.New("LG TV (127.0.0.1)", "127.0.0.1", devices.KindWebOS, "")
	wantB := devices.New("Samsung TV (127.0.0.2)", "127.0.0.2", devices.KindDIAL, dialServer.URL+"/apps/")
	if len(found.Devices) != 2 || !found.Devices[0].Equal(wantA) || !found.Devices[1].Equal(wantB) {
		t.Fatalf("Found = %v, want [%s %s]", found.Devices, wantA, wantB)
	}

	if err := m.ConnectAndCast(found.Devices[0], testStreamURL); err != nil {
		t.Fatalf("ConnectAndCast() err = %v", err)
	}

	if got := m.State(); got.Phase != caststate.PhaseConnecting || !got.Device.Equal(wantA) {
		t.Fatalf("State() = %s, want Connecting", got)
	}
	close(tv.accept)

	waitFor(t, ch, caststate.PhaseWaitingForPairing)
	if reg := <-tv.frames; reg["type"] != "register" {
		t.Fatalf("first frame = %v, want register", reg)
	}
	close(tv.pair)

	waitFor(t, ch, caststate.PhaseLaunching)
	launch := <-tv.frames
	if target := launch["payload"].(map[string]any)["target"]; target != testStreamURL {
		t.Fatalf("launch target = %v, want %s", target, testStreamURL)
	}
	close(tv.launch)

	waitFor(t, ch, caststate.PhaseSuccess)

	if key, _ := store.Get("127.0.0.1"); key != "key-1" {
		t.Fatalf("stored key = %q, want key-1", key)
	}

	m.Reset()
	waitFor(t, ch, caststate.PhaseIdle)

	if err := m.ConnectAndCast(found.Devices[1], testStreamURL); err != nil {
		t.Fatalf("ConnectAndCast() err = %v", err)
	}

	waitFor(t, ch, caststate.PhaseSuccess)

	mu.Lock()
	defer mu.Unlock()
	if len(posts) != 1 || posts[0] != "/apps/com.webos.app.browser" {
		t.Fatalf("DIAL POSTs = %v, want [/apps/com.webos.app.browser]", posts)
	}
}

func TestConnectAndCastRejectsInput(t *testing.T) {
	tv := devices.New("LG TV (10.0.0.2)", "10.0.0.2", devices.KindWebOS, "")

	tt := []struct {
		name    string
		dev     devices.Device
		url     string
		wantErr error
	}{
		{"empty url", tv, "", ErrInvalidStreamURL},
		{"relative url", tv, "/live/index.m3u8", ErrInvalidStreamURL},
		{"rtsp url", tv, "rtsp://10.0.0.9/live", ErrInvalidStreamURL},
		{"no host", tv, "http:///live", ErrInvalidStreamURL},
		{"unknown kind", devices.New("x", "10.0.0.3", devices.Kind(9), ""), testStreamURL, ErrUnknownKind},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(Options{})

			err := m.ConnectAndCast(tc.dev, tc.url)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ConnectAndCast() err = %v, want %v", err, tc.wantErr)
			}

			if got := m.State(); got.Phase != caststate.PhaseIdle {
				t.Fatalf("State() = %s, want Idle", got)
			}
		})
	}
}

type fakeLauncher struct {
	started chan struct{}
	release chan struct{}
	done    chan struct{}
	err     error
}

func (f *fakeLauncher) Launch(ctx context.Context, dev devices.Device, streamURL string) (dial.Result, error) {
	defer close(f.done)

	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}

	if f.err != nil {
		return dial.Result{Attempts: 1}, f.err
	}
	return dial.Result{AppID: "Browser", Attempts: 1}, nil
}

var dialTV = devices.New("Sony TV (10.0.0.4)", "10.0.0.4", devices.KindDIAL, "http://10.0.0.4:8008/apps/")

func TestDIALFailureReasons(t *testing.T) {
	tt := []struct {
		name string
		err  error
		want string
	}{
		{"no endpoint", dial.ErrNoEndpoint, "No DIAL endpoint found for this TV"},
		{"cannot launch", dial.ErrCannotLaunch, "Could not launch browser on this TV via DIAL."},
		{"other", errors.New("boom"), "boom"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			l := &fakeLauncher{done: make(chan struct{}), err: tc.err}
			m := NewManager(Options{Launcher: l})

			ch, cancel := m.Subscribe()
			defer cancel()

			if err := m.ConnectAndCast(dialTV, testStreamURL); err != nil {
				t.Fatalf("ConnectAndCast() err = %v", err)
			}

			got := waitFor(t, ch, caststate.PhaseFailure)
			if got.Reason != tc.want {
				t.Fatalf("Failure reason = %q, want %q", got.Reason, tc.want)
			}
		})
	}
}

func TestResetDiscardsDIALAttempt(t *testing.T) {
	l := &fakeLauncher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
	m := NewManager(Options{Launcher: l})

	if err := m.ConnectAndCast(dialTV, testStreamURL); err != nil {
		t.Fatalf("ConnectAndCast() err = %v", err)
	}
	<-l.started

	if got := m.State(); got.Phase != caststate.PhaseLaunching {
		t.Fatalf("State() = %s, want Launching", got)
	}

	m.Reset()
	m.Reset()

	close(l.release)
	<-l.done
	time.Sleep(20 * time.Millisecond)

	if got := m.State(); got.Phase != caststate.PhaseIdle {
		t.Fatalf("State() after discarded launch = %s, want Idle", got)
	}
}

func TestResetDiscardsWebOSAttempt(t *testing.T) {
	tv := newStepTV()
	close(tv.accept)
	server := httptest.NewServer(tv)
	defer server.Close()

	m := NewManager(Options{WebOS: webos.Options{
		SecurePort: closedPort(t),
		PlainPort:  portOf(t, server.URL),
	}})

	ch, cancel := m.Subscribe()
	defer cancel()

	webOSTV := devices.New("LG TV (127.0.0.1)", "127.0.0.1", devices.KindWebOS, "")
	if err := m.ConnectAndCast(webOSTV, testStreamURL); err != nil {
		t.Fatalf("ConnectAndCast() err = %v", err)
	}

	waitFor(t, ch, caststate.PhaseWaitingForPairing)
	<-tv.frames

	m.Reset()
	if got := m.State(); got.Phase != caststate.PhaseIdle {
		t.Fatalf("State() = %s, want Idle", got)
	}

	// The TV accepts after the reset; nothing may reach the state.
	close(tv.pair)
	close(tv.launch)
	<-tv.handled

	if got := m.State(); got.Phase != caststate.PhaseIdle {
		t.Fatalf("State() after discarded handshake = %s, want Idle", got)
	}
}

type blockingScanner struct {
	list []devices.Device
	done chan struct{}
}

func (s *blockingScanner) Discover(ctx context.Context) []devices.Device {
	defer close(s.done)
	<-ctx.Done()
	return s.list
}

func TestCastDiscardsRunningDiscovery(t *testing.T) {
	scanner := &blockingScanner{list: []devices.Device{dialTV}, done: make(chan struct{})}
	l := &fakeLauncher{done: make(chan struct{})}
	m := NewManager(Options{Scanner: scanner, Launcher: l})

	ch, cancel := m.Subscribe()
	defer cancel()

	if m.Attempt() != "" {
		t.Fatalf("Attempt() = %q before any attempt", m.Attempt())
	}

	m.StartDiscovery()
	waitFor(t, ch, caststate.PhaseDiscovering)

	scan := m.Attempt()
	if _, err := uuid.Parse(scan); err != nil {
		t.Fatalf("discovery Attempt() = %q is not a uuid: %v", scan, err)
	}

	if err := m.ConnectAndCast(dialTV, testStreamURL); err != nil {
		t.Fatalf("ConnectAndCast() err = %v", err)
	}

	if got := m.Attempt(); got == scan {
		t.Fatalf("cast reused the discovery attempt id %q", got)
	}

	<-scanner.done
	waitFor(t, ch, caststate.PhaseSuccess)
	time.Sleep(20 * time.Millisecond)

	if got := m.State(); got.Phase != caststate.PhaseSuccess {
		t.Fatalf("State() = %s, stale discovery result overwrote Success", got)
	}
}

func TestCastAfterFinishedAttemptNeedsReset(t *testing.T) {
	l := &fakeLauncher{done: make(chan struct{}), err: dial.ErrCannotLaunch}
	m := NewManager(Options{Launcher: l})

	ch, cancel := m.Subscribe()
	defer cancel()

	if err := m.ConnectAndCast(dialTV, testStreamURL); err != nil {
		t.Fatalf("ConnectAndCast() err = %v", err)
	}
	waitFor(t, ch, caststate.PhaseFailure)

	if err := m.ConnectAndCast(dialTV, testStreamURL); !errors.Is(err, caststate.ErrIllegalTransition) {
		t.Fatalf("ConnectAndCast() after Failure err = %v, want %v", err, caststate.ErrIllegalTransition)
	}

	m.Reset()

	m.launcher = &fakeLauncher{done: make(chan struct{})}
	if err := m.ConnectAndCast(dialTV, testStreamURL); err != nil {
		t.Fatalf("ConnectAndCast() after Reset err = %v", err)
	}
	waitFor(t, ch, caststate.PhaseSuccess)
}

type closingStore struct {
	pairing.MemoryStore
	closed int
}

func (s *closingStore) Close() error {
	s.closed++
	return nil
}

func TestCloseReleasesStore(t *testing.T) {
	store := &closingStore{}
	m := NewManager(Options{Store: store})

	if err := m.Close(); err != nil {
		t.Fatalf("Close() err = %v", err)
	}

	if store.closed != 1 {
		t.Fatalf("store closed %d times, want 1", store.closed)
	}

	if got := m.State(); got.Phase != caststate.PhaseIdle {
		t.Fatalf("State() = %s, want Idle", got)
	}
}
