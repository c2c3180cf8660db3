package devices

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"
)

// Search targets, in the order they are queried.
const (
	TargetWebOS         = "urn:lge-com:service:webos-second-screen:1"
	TargetDIAL          = "urn:dial-multiscreen-org:service:dial:1"
	TargetMediaRenderer = "urn:schemas-upnp-org:device:MediaRenderer:1"
	TargetAll           = "ssdp:all"
)

// DefaultTargets is the ordered list of search targets for one discovery run.
var DefaultTargets = []string{
	TargetWebOS,
	TargetDIAL,
	TargetMediaRenderer,
	TargetAll,
}

var (
	webOSMarkers = []string{"LG", "webOS"}
	tvBrands     = []string{"Samsung", "Sony", "Vizio", "Philips", "Hisense"}
	// Order matters, the first brand found in the SERVER line wins.
	serverBrands = []string{"LG", "Samsung", "Sony", "Vizio", "Philips", "Hisense", "webOS"}
)

type verdict int

const (
	verdictDiscard verdict = iota
	verdictWebOS
	verdictDIAL
)

// classify decides what an SSDP response represents. webOS markers are
// checked first so a response matching both protocols is a webOS TV.
func classify(target, text string) verdict {
	if containsAnyFold(text, webOSMarkers...) || strings.Contains(target, "lge-com") {
		return verdictWebOS
	}

	if strings.Contains(target, "dial-multiscreen-org") ||
		containsFold(text, "DIAL") ||
		containsAnyFold(text, tvBrands...) {
		return verdictDIAL
	}

	return verdictDiscard
}

// parseResponse reads the datagram as an HTTP response and returns its headers.
// Some TVs omit the empty line that ends the header block.
func parseResponse(text string) (http.Header, error) {
	if !strings.Contains(text, "\r\n\r\n") && !strings.Contains(text, "\n\n") {
		text = strings.TrimRight(text, "\r\n") + "\r\n\r\n"
	}

	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(text)), nil)
	if err != nil {
		return nil, fmt.Errorf("parseResponse error: %w", err)
	}
	resp.Body.Close()

	return resp.Header, nil
}

// extractHeader returns the value of the first line starting with name,
// matched case-insensitively.
func extractHeader(text, name string) (string, bool) {
	prefix := strings.ToLower(name) + ":"
	for line := range strings.Lines(text) {
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}

	return "", false
}

// friendlyName builds a display name from the SERVER line of a response.
func friendlyName(text, ip, fallback string) string {
	server, ok := extractHeader(text, "SERVER")
	if ok {
		for _, brand := range serverBrands {
			if containsFold(server, brand) {
				return fmt.Sprintf("%s TV (%s)", brand, ip)
			}
		}
	}

	return fmt.Sprintf("%s (%s)", fallback, ip)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func containsAnyFold(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if containsFold(s, sub) {
			return true
		}
	}

	return false
}

func searchMessage(target, group string) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + group + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 3\r\n" +
		"ST: " + target + "\r\n" +
		"\r\n")
}
