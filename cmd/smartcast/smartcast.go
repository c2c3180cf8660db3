package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/smartcast/cast"
	"go2tv.app/smartcast/caststate"
	"go2tv.app/smartcast/devices"
	"go2tv.app/smartcast/dial"
	"go2tv.app/smartcast/internal/config"
	"go2tv.app/smartcast/internal/interactive"
	"go2tv.app/smartcast/internal/screeninterfaces"
	"go2tv.app/smartcast/pairing"
	"go2tv.app/smartcast/webos"
)

var (
	version    string
	build      string
	streamArg  = flag.String("u", "", "URL of the stream to open on the TV.")
	listPtr    = flag.Bool("l", false, "List all Smart TVs found on the local network.")
	targetPtr  = flag.String("t", "", "Cast to the TV with this IP address as soon as it is found.")
	envPtr     = flag.String("env", "", "Path to a file with SMARTCAST_* overrides.")
	debugPtr   = flag.Bool("debug", false, "Also write debug logs to stderr.")
	versionPtr = flag.Bool("version", false, "Print version.")
)

func main() {
	flag.Parse()
	checkVerflag()

	conf, err := config.GetAppConfig(*envPtr)
	check(err)

	// The console writer would draw over the terminal UI.
	logOutput, closeLog, err := logWriter(*debugPtr && (*listPtr || !isTerminal()))
	check(err)
	defer closeLog()

	logger := zerolog.New(logOutput).With().Timestamp().Logger().Level(conf.Level())
	if *debugPtr {
		logger = logger.Level(zerolog.DebugLevel)
	}

	scanner := &devices.Scanner{
		ReceiveTimeout: conf.DiscoveryTimeout(),
		HTTPClient:     devices.NewDescriptionHTTPClient(conf.DescriptionTimeout()),
		Logger:         logger,
	}

	exit, err := checkflags(scanner)
	check(err)
	if exit {
		os.Exit(0)
	}

	store, err := pairing.Open(conf.PairingStore, conf.PairingPath)
	check(err)

	m := cast.NewManager(cast.Options{
		Scanner: scanner,
		Launcher: &dial.Launcher{
			AppIDs:  conf.DIALAppIDs,
			Timeout: conf.DIALTimeout(),
			Logger:  logger,
		},
		Store: store,
		WebOS: webos.Options{
			SecurePort:              conf.WebOSSecurePort,
			PlainPort:               conf.WebOSPlainPort,
			HandshakeTimeout:        conf.WebOSHandshakeTimeout(),
			TrustDeviceCertificates: conf.TrustDeviceCertificates,
		},
	})
	m.Logger = logger
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if isTerminal() {
		scr, err := interactive.InitTcellNewScreen(m, *streamArg)
		check(err)
		scr.TargetIP = *targetPtr

		checkAndClose(scr.InterInit(ctx), m, closeLog)
		return
	}

	checkAndClose(runHeadless(ctx, m, os.Stdout, *streamArg, *targetPtr), m, closeLog)
}

// runHeadless prints each state on its own line and casts to target as
// soon as a scan finds it. It returns once the attempt finished.
func runHeadless(ctx context.Context, m *cast.Manager, w io.Writer, streamURL, target string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	states, unsubscribe := m.Subscribe()
	defer unsubscribe()

	var result caststate.State
	tried := false
	scr := &screeninterfaces.LineScreen{W: w}

	m.StartDiscovery()
	screeninterfaces.Follow(ctx, states, scr, headlessMessage, func(s caststate.State) {
		switch s.Phase {
		case caststate.PhaseFound:
			if tried {
				return
			}
			tried = true

			dev, err := devices.FindByIP(s.Devices, target)
			if err != nil {
				result = caststate.Failure(err.Error())
				cancel()
				return
			}

			if err := m.ConnectAndCast(dev, streamURL); err != nil {
				result = caststate.Failure(err.Error())
				cancel()
			}
		case caststate.PhaseSuccess, caststate.PhaseFailure:
			result = s
			cancel()
		}
	})

	switch result.Phase {
	case caststate.PhaseSuccess:
		return nil
	case caststate.PhaseFailure:
		return errors.New(result.Reason)
	}

	return errors.Wrap(ctx.Err(), "runHeadless interrupted")
}

var exit = os.Exit

// headlessMessage is MessageForState without the key hints.
func headlessMessage(s caststate.State) string {
	switch {
	case s.Phase == caststate.PhaseIdle:
		return "Starting..."
	case s.Phase == caststate.PhaseFound && len(s.Devices) > 0:
		return fmt.Sprintf("Found %d Smart TV(s).", len(s.Devices))
	}

	return interactive.MessageForState(s)
}

func check(err error) {
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		exit(1)
	}
}

// checkAndClose is check for the part of main that runs after the manager
// and log file are open. Deferred calls do not run on exit.
func checkAndClose(err error, m io.Closer, closeLog func()) {
	if err == nil {
		return
	}

	_ = m.Close()
	closeLog()
	check(err)
}

// logWriter opens the JSON log file in the config dir and, if console is
// set, mirrors it to stderr.
func logWriter(console bool) (io.Writer, func(), error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, nil, errors.Wrap(err, "logWriter error")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, errors.Wrap(err, "logWriter mkdir error")
	}

	f, err := os.OpenFile(filepath.Join(dir, "smartcast.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, errors.Wrap(err, "logWriter open error")
	}

	closeFn := func() { _ = f.Close() }

	if !console {
		return f, closeFn, nil
	}

	return zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stderr}), closeFn, nil
}

func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func listFlagFunction(scanner *devices.Scanner) error {
	list := devices.SortedByName(scanner.Discover(context.Background()))
	if len(list) == 0 {
		return errors.New("no Smart TVs found on your WiFi network")
	}
	fmt.Println()

	for i, d := range list {
		boldStart := ""
		boldEnd := ""

		if runtime.GOOS == "linux" {
			boldStart = "\033[1m"
			boldEnd = "\033[0m"
		}
		fmt.Printf("%sDevice %v%s\n", boldStart, i+1, boldEnd)
		fmt.Printf("%s--------%s\n", boldStart, boldEnd)
		fmt.Printf("%sName:%s    %s\n", boldStart, boldEnd, d.Name)
		fmt.Printf("%sKind:%s    %s\n", boldStart, boldEnd, d.Kind)
		fmt.Printf("%sIP:%s      %s\n", boldStart, boldEnd, d.IP)
		if d.AppURL != "" {
			fmt.Printf("%sApp URL:%s %s\n", boldStart, boldEnd, d.AppURL)
		}
		fmt.Println()
	}

	return nil
}

func checkflags(scanner *devices.Scanner) (exit bool, err error) {
	list, err := checkLflag(scanner)
	if err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	if list {
		return true, nil
	}

	if err := checkUflag(); err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	if err := checkTflag(); err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	return false, nil
}

func checkUflag() error {
	if *streamArg == "" {
		return errors.New("checkUflag error: -u is required")
	}

	u, err := url.ParseRequestURI(*streamArg)
	if err != nil {
		return errors.Wrap(err, "checkUflag parse error")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("checkUflag error: unsupported scheme %q", u.Scheme)
	}

	return nil
}

// checkTflag requires -t when there is no terminal to pick a TV from.
func checkTflag() error {
	if *targetPtr != "" {
		return nil
	}

	if isTerminal() {
		return nil
	}

	return errors.New("checkTflag error: -t is required without a terminal")
}

func checkLflag(scanner *devices.Scanner) (bool, error) {
	if *listPtr {
		if *targetPtr != "" {
			return false, errors.New("-l and -t can't be used together")
		}
		if err := listFlagFunction(scanner); err != nil {
			return false, errors.Wrap(err, "checkLflag error")
		}
		return true, nil
	}

	return false, nil
}

func checkVerflag() {
	if *versionPtr {
		fmt.Printf("smartcast Version: %s, ", version)
		fmt.Printf("Build: %s\n", build)
		os.Exit(0)
	}
}
