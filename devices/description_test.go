package devices

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetApplicationURL(t *testing.T) {
	appURL := "http://192.168.1.40:8080/ws/apps/"
	testName := "GetApplicationURL"

	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("%s: got method %s, want GET", testName, r.Method)
		}

		w.Header().Set("Content-Type", "text/xml")
		w.Header().Set("Application-URL", appURL)
		_, _ = w.Write([]byte(`<root><device><friendlyName>TV</friendlyName></device></root>`))
	}))
	defer testServer.Close()

	got, err := GetApplicationURL(context.Background(), nil, testServer.URL+"/dd.xml")
	if err != nil {
		t.Fatalf("%s: Failed to call GetApplicationURL due to %s", testName, err.Error())
	}

	if got != appURL {
		t.Fatalf("%s: got: %s, want: %s.", testName, got, appURL)
	}
}

func TestGetApplicationURLMissingHeader(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(`<root/>`))
	}))
	defer testServer.Close()

	_, err := GetApplicationURL(context.Background(), nil, testServer.URL)
	if !errors.Is(err, ErrNoApplicationURL) {
		t.Fatalf("GetApplicationURL() err = %v, want %v", err, ErrNoApplicationURL)
	}
}

func TestScannerResolvesThroughHTTP(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Application-URL", "http://10.0.0.3:8080/apps/")
	}))
	defer testServer.Close()

	s := &Scanner{HTTPClient: testServer.Client()}

	got, err := s.resolveAppURL(context.Background(), testServer.URL)
	if err != nil {
		t.Fatalf("resolveAppURL() err = %v, want nil", err)
	}

	if got != "http://10.0.0.3:8080/apps/" {
		t.Fatalf("resolveAppURL() = %q", got)
	}
}
