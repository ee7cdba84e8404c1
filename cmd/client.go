package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/babelcloud/gbox/packages/screen-bridge/internal/server"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/version"
	"github.com/pkg/errors"
)

var httpClient = &http.Client{Timeout: 2 * time.Second}

var ServerPortUnavailableError = &serverPortUnavailableError{}

type serverPortUnavailableError struct{}

func (e *serverPortUnavailableError) Error() string {
	return "server port unavailable"
}

var ServerMismatchedError = &serverMismatchedError{}

type serverMismatchedError struct{}

func (e *serverMismatchedError) Error() string {
	return "server mismatched"
}

func localURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// listenURL is where a bridge bound to host:port answers. Wildcard hosts
// are reached through loopback.
func listenURL(host string, port int) string {
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return localURL(port)
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func addrPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// checkServerStatus returns nil when a bridge answers at baseURL.
func checkServerStatus(baseURL string) error {
	resp, err := httpClient.Get(baseURL + "/api/health")
	if err != nil {
		return ServerPortUnavailableError
	}
	defer resp.Body.Close()

	var body server.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ServerMismatchedError
	}
	if body.Service != server.ServiceName {
		return ServerMismatchedError
	}
	return nil
}

func fetchStatus(baseURL string) (*server.StatusResponse, *server.SessionsResponse, error) {
	var status server.StatusResponse
	if err := getJSON(baseURL+"/api/status", &status); err != nil {
		return nil, nil, err
	}
	var sessions server.SessionsResponse
	if err := getJSON(baseURL+"/api/sessions", &sessions); err != nil {
		return nil, nil, err
	}
	return &status, &sessions, nil
}

func getJSON(url string, v interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to build request for %s", url)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to request %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrapf(err, "failed to decode response from %s", url)
	}
	return nil
}

func stopServer(baseURL string) error {
	if err := checkServerStatus(baseURL); err != nil {
		if err == ServerPortUnavailableError {
			return errors.New("server is not running")
		}
		return errors.Wrapf(err, "%s is used by another process", baseURL)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/server/shutdown", nil)
	if err != nil {
		return errors.Wrap(err, "failed to build shutdown request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := httpClient.Do(req)
	if err != nil {
		return ServerPortUnavailableError
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("shutdown rejected with status %d", resp.StatusCode)
	}
	return nil
}
