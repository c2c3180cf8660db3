// Package dial launches a browser application on a DIAL device and hands
// it the stream URL as launch data.
package dial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/smartcast/devices"
)

var (
	// ErrNoEndpoint is returned for devices without a launch base URL.
	ErrNoEndpoint = errors.New("no DIAL endpoint found for this TV")
	// ErrCannotLaunch is returned when every candidate app refused the launch.
	ErrCannotLaunch = errors.New("could not launch browser on this TV via DIAL")
)

// DefaultAppIDs are the browser app IDs tried in order.
var DefaultAppIDs = []string{
	"com.webos.app.browser",
	"org.nickel.browser",
	"Browser",
	"browser",
}

const launchContentType = "text/plain;charset=UTF-8"

// Result describes a successful launch.
type Result struct {
	// AppID is the app that accepted the launch.
	AppID string
	// Attempts counts the POSTs sent, including the successful one.
	Attempts int
	// Failures holds one entry per rejected candidate.
	Failures []error
}

// Launcher posts launch requests to DIAL devices. The zero value uses
// DefaultAppIDs and 5 second timeouts.
type Launcher struct {
	AppIDs     []string
	HTTPClient *http.Client
	// Timeout bounds connecting and waiting for response headers, per candidate.
	Timeout time.Duration

	Logger    zerolog.Logger
	LogOutput io.Writer

	initLogOnce    sync.Once
	initClientOnce sync.Once
	client         *http.Client
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (l *Launcher) Log() *zerolog.Logger {
	if l.LogOutput != nil {
		l.initLogOnce.Do(func() {
			l.Logger = zerolog.New(l.LogOutput).With().Timestamp().Logger()
		})
	}
	return &l.Logger
}

func (l *Launcher) httpClient() *http.Client {
	l.initClientOnce.Do(func() {
		l.client = l.HTTPClient
		if l.client == nil {
			l.client = newHTTPClient(l.Timeout)
		}
	})
	return l.client
}

func (l *Launcher) appIDs() []string {
	if len(l.AppIDs) > 0 {
		return l.AppIDs
	}
	return DefaultAppIDs
}

// Launch tries each app ID in order and stops at the first 2xx answer.
// Transport errors and non-2xx statuses move on to the next candidate.
func (l *Launcher) Launch(ctx context.Context, dev devices.Device, streamURL string) (Result, error) {
	var res Result

	if dev.AppURL == "" {
		return res, ErrNoEndpoint
	}

	for _, app := range l.appIDs() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempts++
		target := dev.AppURL + app

		err := l.post(ctx, target, streamURL)
		if err == nil {
			res.AppID = app
			l.Log().Debug().Str("Method", "Launch").Str("IP", dev.IP).Str("App", app).
				Int("Attempts", res.Attempts).Msg("launched")
			return res, nil
		}

		res.Failures = append(res.Failures, err)
		l.Log().Debug().Str("Method", "Launch").Str("IP", dev.IP).Str("App", app).
			Err(err).Msg("candidate rejected")
	}

	return res, ErrCannotLaunch
}

func (l *Launcher) post(ctx context.Context, target, streamURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(streamURL))
	if err != nil {
		return fmt.Errorf("failed to create NewRequest for Launch: %w", err)
	}

	req.Header.Set("Content-Type", launchContentType)

	resp, err := l.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request for Launch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("Launch: %s answered %s", target, resp.Status)
	}

	return nil
}
