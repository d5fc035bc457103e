// Package coordinator defines the coordination-service client contract:
// given a namespace's default address, return the current primary's
// address, if published. The coordination service itself (consensus,
// storage, API shape) is out of scope for this repository; only the
// client contract spec.md §6 names is specified, plus an HTTP-backed
// implementation and an in-memory fake.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Client looks up the currently published primary for a namespace.
type Client interface {
	// GetPrimary returns the primary's "host:port" for the namespace whose
	// default (i.e. nameservice) address is defaultAddr. A false ok with a
	// nil error means "no primary currently published", which is legal
	// per spec.md §6.
	GetPrimary(ctx context.Context, defaultAddr string) (addr string, ok bool, err error)

	// Close releases any resources (e.g. idle HTTP connections) held by
	// the client. Called from every ServicePair.Stop, so a client shared by
	// several pairs, or a pair stopped twice, sees more than one call.
	Close() error
}

// HTTPClient is a Client backed by a simple HTTP GET against the
// coordination service, used only at startup and during session restart
// per spec.md §2.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient constructs an HTTPClient against baseURL using
// http.DefaultClient.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, HTTP: http.DefaultClient}
}

type primaryResponse struct {
	Primary string `json:"primary"`
}

func (c *HTTPClient) GetPrimary(ctx context.Context, defaultAddr string) (string, bool, error) {
	url := fmt.Sprintf("%s/primary?ns=%s", c.BaseURL, defaultAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, errors.Wrap(err, "coordinator: building request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", false, errors.Wrap(err, "coordinator: request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", false, errors.Errorf("coordinator: unexpected status %d: %s", resp.StatusCode, body)
	}

	var pr primaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", false, errors.Wrap(err, "coordinator: decoding response")
	}
	if pr.Primary == "" {
		return "", false, nil
	}
	return pr.Primary, true, nil
}

func (c *HTTPClient) Close() error { return nil }

// Fake is an in-memory Client for tests: a static map from default address
// to the currently published primary.
type Fake struct {
	Primaries map[string]string
}

// NewFake constructs a Fake with no primaries published.
func NewFake() *Fake {
	return &Fake{Primaries: make(map[string]string)}
}

func (f *Fake) GetPrimary(ctx context.Context, defaultAddr string) (string, bool, error) {
	addr, ok := f.Primaries[defaultAddr]
	return addr, ok, nil
}

func (f *Fake) Close() error { return nil }
