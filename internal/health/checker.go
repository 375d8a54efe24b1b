package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/loykin/inferd/internal/metrics"
)

// DefaultPath is the endpoint the inference server answers once it is ready
// to accept work. Readiness is determined only by this endpoint responding,
// never inferred from log text.
const DefaultPath = "/system_stats"

// Checker probes one health endpoint. A probe failure means "not ready yet",
// not an error to escalate; the caller owns the overall timeout.
type Checker struct {
	URL     string
	Timeout time.Duration // per-probe timeout, default 2s
	Client  *http.Client
}

// Endpoint builds the health URL for a local server on port.
func Endpoint(port int, path string) string {
	if path == "" {
		path = DefaultPath
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}

// Probe performs a single health check. nil means the server answered 200.
func (c *Checker) Probe(ctx context.Context) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return err
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		metrics.IncHealthProbe("unreachable")
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		metrics.IncHealthProbe("unhealthy")
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	metrics.IncHealthProbe("ok")
	return nil
}

// PortInUse reports whether something already accepts TCP connections on the
// local port. Used as a pre-start check so a conflicting process surfaces as
// a distinct error instead of a startup timeout.
func PortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
