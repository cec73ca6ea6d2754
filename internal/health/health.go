// Package health defines the result of a liveness probe and the HTTP prober
// used to obtain it.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a single probe when the caller does not set one.
const DefaultTimeout = 2 * time.Second

// Kind classifies a probe outcome.
type Kind int

const (
	KindHealthy Kind = iota
	KindUnhealthy
	KindProcessDead
)

func (k Kind) String() string {
	switch k {
	case KindHealthy:
		return "healthy"
	case KindUnhealthy:
		return "unhealthy"
	case KindProcessDead:
		return "process_dead"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for _, c := range []Kind{KindHealthy, KindUnhealthy, KindProcessDead} {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown health result %q", b)
}

// Result is the outcome of one probe. Reason is empty for healthy results.
type Result struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func Healthy() Result { return Result{Kind: KindHealthy} }
func Unhealthy(reason string) Result { return Result{Kind: KindUnhealthy, Reason: reason} }
func Dead(reason string) Result { return Result{Kind: KindProcessDead, Reason: reason} }
func (r Result) IsHealthy() bool { return r.Kind == KindHealthy }

func (r Result) String() string {
	if r.Reason == "" {
		return r.Kind.String()
	}
	return r.Kind.String() + ": " + r.Reason
}

// Prober checks a health URL.
type Prober interface {
	Probe(ctx context.Context, url string) Result
}

// HTTPProber issues GET requests. Status 200 is healthy; any other status or a
// transport error is unhealthy. The body is drained and ignored.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPProber{
		Client:  &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
		Timeout: timeout,
	}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) Result {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Unhealthy("invalid health url: " + err.Error())
	}
	resp, err := client.Do(req)
	if err != nil {
		return Unhealthy(err.Error())
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return Unhealthy(fmt.Sprintf("status %d", resp.StatusCode))
	}
	return Healthy()
}

// DefaultURLTemplate is used when a service declares no health URL.
const DefaultURLTemplate = "http://{host}:{port}/health"

// ExpandURL fills the {host} and {port} placeholders of a health URL template.
// A bare path such as "/ready" is taken relative to DefaultURLTemplate's origin.
func ExpandURL(tmpl, host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	switch {
	case tmpl == "":
		tmpl = DefaultURLTemplate
	case strings.HasPrefix(tmpl, "/"):
		tmpl = "http://{host}:{port}" + tmpl
	}
	return strings.NewReplacer("{host}", host, "{port}", strconv.Itoa(port)).Replace(tmpl)
}
