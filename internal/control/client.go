// Package control talks to the storage manager (SM) and traffic controller
// (TC) services that run a simulated storage matrix.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/example/matrixsim/internal/telemetry"
)

// DefaultTimeout applies when a client is built without one.
const DefaultTimeout = 10 * time.Second

// RequestFailure is returned for transport errors and non-2xx responses.
type RequestFailure struct {
	Service string
	Op      string
	Method  string
	URL     string
	Status  int
	Body    string
	Err     error
}

func (e *RequestFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s %s: %v", e.Service, e.Op, e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: %s %s: status %d: %s", e.Service, e.Op, e.Method, e.URL, e.Status, e.Body)
}

func (e *RequestFailure) Unwrap() error { return e.Err }

type client struct {
	service string
	base    string
	hc      *http.Client
	timeout time.Duration
}

func newClient(service, baseURL string, hc *http.Client, timeout time.Duration) client {
	if hc == nil {
		hc = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return client{service: service, base: baseURL, hc: hc, timeout: timeout}
}

// do sends in as JSON (when non-nil) and decodes a 2xx response into out
// (when non-nil). Every call is bounded by the client timeout.
func (c client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) (err error) {
	started := time.Now()
	defer func() { telemetry.ObserveExternal(c.service, op, started, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rawURL := c.base + path
	fail := func(status int, body []byte, cause error) error {
		return &RequestFailure{
			Service: c.service,
			Op:      op,
			Method:  method,
			URL:     rawURL,
			Status:  status,
			Body:    truncate(string(body), 512),
			Err:     cause,
		}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fail(0, nil, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fail(0, nil, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return fail(0, nil, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return fail(res.StatusCode, nil, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fail(res.StatusCode, b, nil)
	}
	if out != nil && len(b) > 0 {
		if err := json.Unmarshal(b, out); err != nil {
			return fail(res.StatusCode, b, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
