// Package rangeclient implements the HTTP range-request client from
// spec.md §4.3: a persistent (keep-alive) connection that issues
// `Range:` GETs, parses `Content-Range` for total length, and retries
// transient failures.
//
// Where spec.md describes a hand-rolled connect/poll state machine
// against a custom HTTPClient, this client uses net/http's own
// persistent Transport instead — Go's connection pool already gives
// the keep-alive + "poll until connected" behavior the spec's state
// machine exists to provide (see SPEC_FULL.md's rangeclient section).
package rangeclient

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cognusion/go-recyclable"
	"github.com/cognusion/go-timings"
)

var rPool = recyclable.NewBufferPool()

// Client issues byte-range GETs against a single origin URL, retrying
// transient failures, and keeping the underlying TCP connection alive
// across requests via its *http.Client's Transport.
type Client struct {
	base    *url.URL
	headers http.Header
	doer    interface {
		Do(*http.Request) (*http.Response, error)
	}

	TimingsOut *log.Logger
	DebugOut   *log.Logger
}

// Option configures a Client at construction.
type Option func(*Client)

// WithHeaders merges extra headers into every request the Client sends,
// in addition to the mandatory `connection: keep-alive` (spec.md §4.3
// item 2).
func WithHeaders(h http.Header) Option {
	return func(c *Client) {
		for k, vs := range h {
			for _, v := range vs {
				c.headers.Add(k, v)
			}
		}
	}
}

// WithLoggers wires timing and debug loggers, following the teacher's
// discard-if-nil convention.
func WithLoggers(timingsOut, debugOut *log.Logger) Option {
	return func(c *Client) {
		if timingsOut != nil {
			c.TimingsOut = timingsOut
		}
		if debugOut != nil {
			c.DebugOut = debugOut
		}
	}
}

// WithRetryPolicy overrides the default constant-backoff retry with
// the given one, constant or exponential. remotefile.Open uses it with
// constant backoff to apply its configured retry count.
func WithRetryPolicy(retries int, every, timeout time.Duration, exponential bool) Option {
	return func(c *Client) {
		if exponential {
			c.doer = newExponentialRetryDoer(retries, every, timeout)
		} else {
			c.doer = newConstantRetryDoer(retries, every, timeout)
		}
	}
}

// New returns a Client bound to rawURL. Every subsequent Do/Probe call
// requests a byte range of that same URL. A host followed by an empty
// port ("http://host:/path") is rejected with ErrEmptyPort.
//
// URL parsing follows spec.md §4.3: an https scheme always negotiates
// TLS (net/http does this natively from the scheme, so there is no
// explicit "force port 443" step needed for the transport itself; it
// is preserved only for Host/Port accessors below, which mirror the
// spec's HttpConnection fields for introspection).
func New(rawURL string, opts ...Option) (*Client, error) {
	if rawURL == "" {
		return nil, ErrEmptyURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("rangeclient: invalid URL %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, ErrEmptyHost
	}
	if strings.HasSuffix(u.Host, ":") {
		return nil, ErrEmptyPort
	}
	if u.Path == "" {
		u.Path = "/"
	}

	c := &Client{
		base:       u,
		headers:    make(http.Header),
		doer:       newConstantRetryDoer(10, 2*time.Second, 60*time.Second),
		TimingsOut: log.New(io.Discard, "", 0),
		DebugOut:   log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Host returns the origin host (without port).
func (c *Client) Host() string {
	return c.base.Hostname()
}

// Port returns the origin port, defaulting per scheme as spec.md §4.3
// requires (https -> 443, http -> 80) when none was explicit in the URL.
func (c *Client) Port() int {
	if p := c.base.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if c.UseTLS() {
		return 443
	}
	return 80
}

// UseTLS reports whether the origin is accessed over https.
func (c *Client) UseTLS() bool {
	return c.base.Scheme == "https"
}

// Do issues `GET` with `Range: bytes=<start>-<end>` against the
// Client's origin, returning the response body and headers. end is
// inclusive, matching spec.md §6's fetch-request header contract.
func (c *Client) Do(ctx context.Context, start, end int64) ([]byte, http.Header, error) {
	defer timings.Track(fmt.Sprintf("rangeclient.Do %d-%d", start, end), time.Now(), c.TimingsOut)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	req.Header.Set("connection", "keep-alive")

	res, err := c.doer.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, ErrNoResponse
	}
	defer res.Body.Close()

	buf := rPool.Get()
	defer rPool.Put(buf)

	if _, err := io.Copy(buf, res.Body); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrReadHeaders, err)
	}

	body := make([]byte, buf.Len())
	copy(body, buf.Bytes())

	c.DebugOut.Printf("rangeclient: %d-%d returned %d bytes, status %s\n", start, end, len(body), res.Status)
	return body, res.Header, nil
}

// Probe issues the 2-byte discovery range from spec.md §4.5 ("Probe")
// and parses `Content-Range: bytes X-Y/Z` to learn the resource's total
// size Z.
func (c *Client) Probe(ctx context.Context) (int64, error) {
	defer timings.Track("rangeclient.Probe", time.Now(), c.TimingsOut)

	_, headers, err := c.Do(ctx, 0, 1)
	if err != nil {
		return 0, err
	}

	cr := headers.Get("Content-Range")
	if cr == "" {
		return 0, ErrNoContentRange
	}

	// Expected shape: "bytes 0-1/12345"
	slash := strings.LastIndex(cr, "/")
	if slash < 0 || slash == len(cr)-1 {
		return 0, fmt.Errorf("%w: %q", ErrNoContentRange, cr)
	}
	total, err := strconv.ParseInt(cr[slash+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrNoContentRange, cr, err)
	}
	return total, nil
}

// Exists reports whether a probe range request against the origin
// succeeds, per spec.md §6's `exists(url)`.
func (c *Client) Exists(ctx context.Context) bool {
	_, _, err := c.Do(ctx, 0, 1)
	return err == nil
}
