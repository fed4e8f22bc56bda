// Package remotefile lets a caller treat an HTTP-served byte stream as
// a seekable local file: it fetches byte ranges on demand while a
// background worker prefetches forward-looking bytes into a bounded
// ring, so sequential reads return immediately once the worker is
// ahead of the reader. See spec.md and SPEC_FULL.md for the full
// design; this file is the public Reader (spec.md §4.5).
package remotefile

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cognusion/go-remotefile/prefetch"
	"github.com/cognusion/go-remotefile/rangeclient"
	"github.com/cognusion/go-sequence"
	"github.com/cognusion/go-timings"
)

const (
	defaultChunkSize      = prefetch.DefaultChunkSize
	defaultRingCapacity   = prefetch.DefaultRingCapacity
	defaultBackoffInitial = prefetch.DefaultBackoffInitial
	defaultBackoffCap     = prefetch.DefaultBackoffCap
	defaultMaxConsecutive = prefetch.DefaultMaxConsecutiveErrors
)

var seq = sequence.New(0)

// Reader is the spec.md RemoteFile: a seekable, read-only view over an
// HTTP resource. One Reader exists per Open; it owns a rangeclient,
// a SharedState, and the goroutine that fetches ahead of the caller.
// The zero value is not usable; construct with Open.
type Reader struct {
	id  string
	url string

	client *rangeclient.Client
	state  *prefetch.SharedState
	worker *prefetch.Worker

	readMu  sync.Mutex
	readPos int64
	lastEOF bool
	closed  bool

	metrics *Metrics

	TimingsOut *log.Logger
	DebugOut   *log.Logger
}

// Open creates a Reader over rawURL: it issues the spec.md §4.5 probe
// (`Range: bytes=0-1`) to learn the resource's total size from
// `Content-Range`, then starts the prefetch worker. It fails with
// ErrCantCreate when the probe or URL parsing fails.
func Open(ctx context.Context, rawURL string, opts ...Option) (*Reader, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	timingsOut, debugOut := discardingLoggers(cfg.timingsOut, cfg.debugOut)

	client, err := rangeclient.New(rawURL,
		rangeclient.WithHeaders(cfg.headers),
		rangeclient.WithLoggers(timingsOut, debugOut),
		rangeclient.WithRetryPolicy(cfg.retries, 2*time.Second, 60*time.Second, false),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCantCreate, err)
	}

	id := seq.NextHashID()
	defer timings.Track(fmt.Sprintf("[%s] remotefile.Open", id), time.Now(), timingsOut)

	totalSize, err := probeTotalSize(ctx, client, rawURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCantCreate, err)
	}

	state := prefetch.NewSharedState(totalSize, cfg.chunkSize, cfg.ringCapacity)
	metrics := newMetrics()

	r := &Reader{
		id:         id,
		url:        rawURL,
		client:     client,
		state:      state,
		metrics:    metrics,
		TimingsOut: timingsOut,
		DebugOut:   debugOut,
	}

	fetch := func(ctx context.Context, start, end int64) ([]byte, error) {
		body, _, err := client.Do(ctx, start, end)
		if err != nil {
			metrics.incRetry()
			return nil, err
		}
		metrics.addBytes(len(body))
		return body, nil
	}

	r.worker = prefetch.NewWorker(state, fetch,
		prefetch.WithBackoff(cfg.backoffInitial, cfg.backoffCap, cfg.maxConsecutive),
		prefetch.WithLoggers(timingsOut, debugOut),
	)
	r.worker.Start()

	return r, nil
}

// probeTotalSize issues the probe request, optionally consulting and
// populating the opt-in cross-open cache (SPEC_FULL.md's lru add-on).
func probeTotalSize(ctx context.Context, client *rangeclient.Client, rawURL string, cfg *config) (int64, error) {
	if !cfg.probeCache {
		return client.Probe(ctx)
	}

	cache := sharedProbeCache()
	if v, ok := cache.GetPtr(rawURL); ok {
		return v.totalSize, nil
	}

	v, err, _ := openGroup.Do(rawURL, func() (interface{}, error) {
		total, err := client.Probe(ctx)
		if err != nil {
			return int64(0), err
		}
		cache.Insert(rawURL, probeResult{totalSize: total})
		return total, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func discardingLoggers(timingsOut, debugOut *log.Logger) (*log.Logger, *log.Logger) {
	if timingsOut == nil {
		timingsOut = log.New(io.Discard, "", 0)
	}
	if debugOut == nil {
		debugOut = log.New(io.Discard, "", 0)
	}
	return timingsOut, debugOut
}

// Close stops the prefetch worker and joins it. Callers must call
// Close when done with a Reader; Go has no destructors, so this is the
// idiomatic realization of spec.md §3's "destruction signals the
// worker to quit and joins it."
func (r *Reader) Close() error {
	r.readMu.Lock()
	if r.closed {
		r.readMu.Unlock()
		return nil
	}
	r.closed = true
	r.readMu.Unlock()

	r.worker.Stop()
	return nil
}

// IsOpen reports whether Open succeeded and Close has not been called.
func (r *Reader) IsOpen() bool {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	return !r.closed
}

// Path returns the original URL, per spec.md's get_path.
func (r *Reader) Path() string {
	return r.url
}

// PathAbsolute returns the original URL, resolved against a default
// scheme if it was given as scheme-relative, per spec.md's
// get_path_absolute.
func (r *Reader) PathAbsolute() string {
	if strings.HasPrefix(r.url, "//") {
		return "https:" + r.url
	}
	if u, err := url.Parse(r.url); err == nil && u.Scheme == "" {
		return "https://" + r.url
	}
	return r.url
}

// Position returns the caller-visible read cursor.
func (r *Reader) Position() int64 {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	return r.readPos
}

// Length returns the resource's total size, fixed at Open.
func (r *Reader) Length() int64 {
	return r.state.TotalSize()
}

// EOF reports whether the last Read attempt was at end-of-file,
// per spec.md's eof_reached.
func (r *Reader) EOF() bool {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	return r.lastEOF
}

// Seek implements io.Seeker. whence follows io.SeekStart/SeekCurrent/
// SeekEnd; io.SeekEnd realizes spec.md's seek_end(delta). The result is
// always clamped to [0, Length()] — including positive deltas past
// EOF (spec.md §9's open question, resolved: clamp, never reject).
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.readPos + offset
	case io.SeekEnd:
		target = r.state.TotalSize() + offset
	default:
		return 0, fmt.Errorf("remotefile: invalid whence %d", whence)
	}

	defer timings.Track(fmt.Sprintf("[%s] remotefile.Seek", r.id), time.Now(), r.TimingsOut)

	p := r.state.Seek(target)
	r.readPos = p
	r.lastEOF = false
	return p, nil
}

// Read implements io.Reader, draining bytes the prefetch worker has
// already fetched. It blocks only when the ring has nothing readable
// yet (spec.md §4.5, §9's "ring itself is the source of truth for
// availability" redesign). At end-of-file it returns (0, io.EOF)
// immediately without blocking.
func (r *Reader) Read(p []byte) (int, error) {
	r.readMu.Lock()
	defer r.readMu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if r.readPos >= r.state.TotalSize() {
		r.lastEOF = true
		return 0, io.EOF
	}

	if r.state.Readable() == 0 {
		r.metrics.incStall()
		r.state.Wait()
	}

	n := r.state.Read(p)
	r.readPos += int64(n)
	r.lastEOF = false

	if n == 0 {
		// The worker has announced EOF and there is nothing left to
		// drain even though readPos hadn't yet caught up to totalSize
		// (can happen if totalSize was never fully reached, e.g. the
		// origin served fewer bytes than advertised).
		r.lastEOF = true
		return 0, io.EOF
	}
	return n, nil
}

// ReadByte implements io.ByteReader on top of Read, per spec.md §9's
// resolution of get_8 ("treat single-byte reads as implemented on top
// of read(buf, 1)"; the source's inconsistent thrown exception is not
// reproduced).
func (r *Reader) ReadByte() (byte, error) {
	var b [1]byte
	n, err := r.Read(b[:])
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	return b[0], nil
}

// Metrics returns the Reader's accumulated counters (SPEC_FULL.md's
// metrics domain add-on).
func (r *Reader) Metrics() *Metrics {
	return r.metrics
}

// Exists issues a probe range request against rawURL and reports
// whether it succeeds, per spec.md §6's exists(url).
func Exists(ctx context.Context, rawURL string, opts ...Option) (bool, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	timingsOut, debugOut := discardingLoggers(cfg.timingsOut, cfg.debugOut)

	client, err := rangeclient.New(rawURL,
		rangeclient.WithHeaders(cfg.headers),
		rangeclient.WithLoggers(timingsOut, debugOut),
	)
	if err != nil {
		return false, err
	}
	return client.Exists(ctx), nil
}
