package prefetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cognusion/go-timings"
)

// Backoff tunables for the Recovering state (spec.md §4.4, §9: capped
// exponential backoff replacing the source's unbounded fixed 5s sleep).
const (
	DefaultIdleSleep            = 10 * time.Millisecond
	DefaultYieldSleep           = 2 * time.Millisecond
	DefaultBackoffInitial       = 500 * time.Millisecond
	DefaultBackoffCap           = 30 * time.Second
	DefaultMaxConsecutiveErrors = 12
)

// Worker runs the spec.md §4.4 Idle/Fetching/Recovering loop against a
// SharedState, using fetch to perform the underlying ranged GET.
type Worker struct {
	state *SharedState
	fetch func(ctx context.Context, start, end int64) ([]byte, error)

	idleSleep      time.Duration
	yieldSleep     time.Duration
	backoffInitial time.Duration
	backoffCap     time.Duration
	maxConsecutive int

	TimingsOut *log.Logger
	DebugOut   *log.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Worker at construction.
type Option func(*Worker)

// WithSleeps overrides the Idle-state poll interval and the
// Fetching-state post-success yield.
func WithSleeps(idle, yield time.Duration) Option {
	return func(w *Worker) {
		if idle > 0 {
			w.idleSleep = idle
		}
		if yield > 0 {
			w.yieldSleep = yield
		}
	}
}

// WithBackoff overrides the Recovering-state exponential backoff
// parameters and the number of consecutive failures tolerated before
// LastErr is surfaced.
func WithBackoff(initial, backoffCap time.Duration, maxConsecutive int) Option {
	return func(w *Worker) {
		if initial > 0 {
			w.backoffInitial = initial
		}
		if backoffCap > 0 {
			w.backoffCap = backoffCap
		}
		if maxConsecutive > 0 {
			w.maxConsecutive = maxConsecutive
		}
	}
}

// WithLoggers wires timing and debug loggers, discarding if nil.
func WithLoggers(timingsOut, debugOut *log.Logger) Option {
	return func(w *Worker) {
		if timingsOut != nil {
			w.TimingsOut = timingsOut
		}
		if debugOut != nil {
			w.DebugOut = debugOut
		}
	}
}

// NewWorker returns a Worker over state, fetching chunks via fetch.
// fetch is expected to return io.EOF-shaped semantics not assumed here;
// instead, a zero-length, nil-error result means "remote is exhausted",
// matching spec.md §4.4's "zero-byte body" EOF signal.
func NewWorker(state *SharedState, fetch func(ctx context.Context, start, end int64) ([]byte, error), opts ...Option) *Worker {
	w := &Worker{
		state:          state,
		fetch:          fetch,
		idleSleep:      DefaultIdleSleep,
		yieldSleep:     DefaultYieldSleep,
		backoffInitial: DefaultBackoffInitial,
		backoffCap:     DefaultBackoffCap,
		maxConsecutive: DefaultMaxConsecutiveErrors,
		TimingsOut:     log.New(io.Discard, "", 0),
		DebugOut:       log.New(io.Discard, "", 0),
		quit:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker's background goroutine. Calling Start more
// than once is a programming error.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker to quit and joins it, realizing spec.md §3's
// "destruction signals the worker to quit and joins it."
func (w *Worker) Stop() {
	close(w.quit)
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()

	var (
		consecutiveErrors int
		backoff           = w.backoffInitial
	)

	for {
		select {
		case <-w.quit:
			return
		default:
		}

		fetchStart := time.Now()
		did, start, end, err := w.state.FetchAndCommit(context.Background(), w.fetch)
		if !did {
			// Idle: either EOF was already announced, or the ring has no
			// room for another full chunk yet.
			select {
			case <-w.quit:
				return
			case <-time.After(w.idleSleep):
			}
			continue
		}
		timings.Track(fmt.Sprintf("prefetch.Worker fetch %d-%d", start, end), fetchStart, w.TimingsOut)

		if err != nil {
			consecutiveErrors++
			w.DebugOut.Printf("prefetch: fetch %d-%d failed (%d consecutive): %v\n", start, end, consecutiveErrors, err)

			if consecutiveErrors >= w.maxConsecutive {
				w.state.lastErr.Store(err)
			}

			select {
			case <-w.quit:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.backoffCap {
				backoff = w.backoffCap
			}
			continue
		}

		consecutiveErrors = 0
		backoff = w.backoffInitial

		if w.state.EOFAnnounced() {
			w.DebugOut.Printf("prefetch: zero-byte response at %d, announcing EOF\n", start)
		}

		select {
		case <-w.quit:
			return
		case <-time.After(w.yieldSleep):
		}
	}
}
