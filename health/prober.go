package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Prober performs one liveness probe against an endpoint. A nil error means healthy.
// Implementations must honour ctx cancellation, which carries the probe timeout.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, endpoint string) error

func (f ProberFunc) Probe(ctx context.Context, endpoint string) error {
	return f(ctx, endpoint)
}

// HealthURL returns the probe URL for an agent endpoint: the endpoint itself
// when it already contains the health path, otherwise endpoint + "/health".
func HealthURL(endpoint string) string {
	if strings.Contains(endpoint, core.HealthPath) {
		return endpoint
	}
	return strings.TrimRight(endpoint, "/") + core.HealthPath
}

// HTTPProber issues GET requests and treats any 2xx response as healthy.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober whose transport is traced with otelhttp.
// A nil transport uses a pooled default.
func NewHTTPProber(transport http.RoundTripper) *HTTPProber {
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &HTTPProber{
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "health.probe " + r.URL.Host
				}),
			),
		},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, HealthURL(endpoint), nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// TCPProber treats a successful TCP dial as healthy.
type TCPProber struct {
	dialer net.Dialer
}

// NewTCPProber creates a TCP prober.
func NewTCPProber() *TCPProber {
	return &TCPProber{}
}

// Probe dials endpoint, which may be host:port or a URL such as tcp://host:port.
func (p *TCPProber) Probe(ctx context.Context, endpoint string) error {
	addr, err := dialAddress(endpoint)
	if err != nil {
		return err
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("TCP connection failed: %w", err)
	}
	return conn.Close()
}

func dialAddress(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "https", "wss":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	case "http", "ws":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
	return "", fmt.Errorf("endpoint %q has no port", endpoint)
}

// SchemeProber routes tcp:// endpoints to a TCP prober and everything else to HTTP.
type SchemeProber struct {
	HTTP Prober
	TCP  Prober
}

// NewDefaultProber returns the prober used when none is configured.
func NewDefaultProber() *SchemeProber {
	return &SchemeProber{HTTP: NewHTTPProber(nil), TCP: NewTCPProber()}
}

func (p *SchemeProber) Probe(ctx context.Context, endpoint string) error {
	if strings.HasPrefix(endpoint, "tcp://") {
		return p.TCP.Probe(ctx, endpoint)
	}
	return p.HTTP.Probe(ctx, endpoint)
}
