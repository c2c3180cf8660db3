package devices

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	descriptionHTTPTimeout      = 3 * time.Second
	descriptionHTTPRetryMax     = 1
	descriptionHTTPRetryWaitMax = 500 * time.Millisecond
)

// ErrNoApplicationURL is returned when a device description carries no
// Application-URL header, which means the device cannot be driven over DIAL.
var ErrNoApplicationURL = errors.New("no Application-URL header in device description")

// NewDescriptionHTTPClient returns a client that retries a failed description
// fetch once and gives up on each try after timeout.
func NewDescriptionHTTPClient(timeout time.Duration) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = descriptionHTTPRetryMax
	retryClient.RetryWaitMax = descriptionHTTPRetryWaitMax
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: timeout,
			}).DialContext,
			ResponseHeaderTimeout: timeout,
			DisableKeepAlives:     true,
		},
	}

	return retryClient.StandardClient()
}

// GetApplicationURL fetches the device description at location and returns
// the DIAL launch base URL advertised in its Application-URL header.
func GetApplicationURL(ctx context.Context, client *http.Client, location string) (string, error) {
	if client == nil {
		client = NewDescriptionHTTPClient(descriptionHTTPTimeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create NewRequest for GetApplicationURL: %w", err)
	}

	req.Header.Set("Connection", "close")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send HTTP request for GetApplicationURL: %w", err)
	}
	defer resp.Body.Close()

	appURL := resp.Header.Get("Application-URL")
	if appURL == "" {
		return "", ErrNoApplicationURL
	}

	return appURL, nil
}
