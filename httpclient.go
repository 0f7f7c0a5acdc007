package rangefetch

import (
	"context"
	"net/http"
	"time"
)

// ClientFactory abstracts away http.Client construction so tests can
// substitute a deterministic stand-in. NewClient hands back a fresh,
// short-lived client whose lifetime the caller manages (the scheduler uses
// this so each request owns a client that cancellation can close
// externally). Head performs a self-contained HEAD request using an
// ephemeral client (the probe uses this).
type ClientFactory interface {
	NewClient(timeout time.Duration) *http.Client
	Head(ctx context.Context, url string, headers map[string]string, timeout time.Duration) (*http.Response, error)
}

// defaultClientFactory is the ClientFactory backing every Config that
// doesn't supply its own, wrapping the standard library's http.Client the
// same way the teacher lineage's client.go does.
type defaultClientFactory struct{}

// DefaultClientFactory is the package's standard ClientFactory.
var DefaultClientFactory ClientFactory = defaultClientFactory{}

func (defaultClientFactory) NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (f defaultClientFactory) Head(ctx context.Context, url string, headers map[string]string, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := f.NewClient(timeout)
	return client.Do(req)
}
