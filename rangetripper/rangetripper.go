// Package rangetripper provides a performant http.RoundTripper that handles byte-range downloads if
// the resulting HTTP server claims to support them in a HEAD request for the file. RangeTripper will
// download 1/Nth of the file asynchronously with each of the `fileChunks` specified in New.
// N+1 actual downloaders are most likely as the +1 covers any gap from non-even division of content-length.
//
// This is a bulk, whole-file parallel downloader: a complementary mode to the streaming,
// random-access remotefile.Reader at the root of this module. It uses the same retry library
// and timing/sequence instrumentation, through its own RetryClient rather than the
// rangeclient package.
package rangetripper

import (
	"context"
	"sync"

	"github.com/cognusion/go-recyclable"
	"github.com/cognusion/go-sequence"
	"github.com/cognusion/go-timings"
	"github.com/cognusion/semaphore"
	"go.uber.org/atomic"

	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Static errors to return
const (
	ContentLengthNumericError  = rtError("Content-Length value cannot be converted to a number")
	ContentLengthMismatchError = rtError("downloaded file size does not match content-length")

	headFakeFailedError = rtError("headfake failed, return previous error")

	outfileKey contextIDKey = iota
	progressChanKey
)

var (
	seq   = sequence.New(0)
	rPool = recyclable.NewBufferPool()
)

type (
	// rtError is an error type
	rtError string
	// contextIDKey is a type for shoving into contexts
	contextIDKey int
)

// Error returns the stringified version of rtError
func (e rtError) Error() string {
	return string(e)
}

// rangeWriter is an internal type to simplify abstracting the os.File and the recyclable.Buffer.
type rangeWriter interface {
	io.Writer
	io.WriterAt
}

// rangeInfo is a utility struct to synchronize shared objects across goros
type rangeInfo struct {
	Error    atomic.Error
	Progress chan int64
	WG       sync.WaitGroup
	Out      rangeWriter
	Sem      semaphore.Semaphore
}

// RangeTripper is an http.RoundTripper to be used in an http.Client.
// This should not be used in its default state, instead by its New functions.
// A single RangeTripper *must* only be used for one request.
type RangeTripper struct {
	TimingsOut *log.Logger
	DebugOut   *log.Logger

	client    Client
	workers   int
	chunkSize int64
}

// New returns a RangeTripper or an error. Logged messages are discarded.
//
// fileChunks is the number of pieces to divide the downloaded file into (+/- 1). Overridden by SetMax.
func New(fileChunks int) (*RangeTripper, error) {
	return NewWithLoggers(fileChunks, nil, nil)
}

// NewWithLoggers returns a RangeTripper or an error. Logged messages are sent to the specified Logger, or discarded if nil.
func NewWithLoggers(fileChunks int, timingLogger, debugLogger *log.Logger) (*RangeTripper, error) {
	if fileChunks < 1 {
		fileChunks = 1
	}
	if timingLogger == nil {
		timingLogger = log.New(io.Discard, "", 0)
	}
	if debugLogger == nil {
		debugLogger = log.New(io.Discard, "", 0)
	}

	return &RangeTripper{
		TimingsOut: timingLogger,
		DebugOut:   debugLogger,
		workers:    fileChunks,
		client:     DefaultClient,
	}, nil
}

// SetClient allows for overriding the Client used to make the requests.
func (rt *RangeTripper) SetClient(client Client) {
	rt.client = client
}

// SetMax allows for setting the maximum number of concurrently-running workers
func (rt *RangeTripper) SetMax(max int) {
	if max == 0 {
		return
	}
	rt.workers = max
}

// SetChunkSize overrides fileChunks and instead divides the resulting Content-Length by this to
// determine the appropriate chunk count dynamically. fileChunks still guides the maximum
// number of concurrent workers, unless SetMax is used.
func (rt *RangeTripper) SetChunkSize(chunkBytes int64) {
	if chunkBytes < 1 {
		chunkBytes = 1
	}
	rt.chunkSize = chunkBytes
}

// Download fetches url into an in-memory recyclable.Buffer using the same
// range-parallel algorithm as RoundTrip, without requiring callers to
// construct a fake *http.Request. It is the direct, context-first entry
// point; RoundTrip remains for callers that want RangeTripper as an
// http.Client Transport.
func (rt *RangeTripper) Download(ctx context.Context, url string, progress chan int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		req = req.WithContext(context.WithValue(req.Context(), progressChanKey, progress))
	}
	return rt.RoundTrip(req)
}

// DownloadToFile is Download, but writes the result directly to outfile on
// disk instead of buffering it in memory, following the same outfileKey
// context convention RoundTrip has always honored.
func (rt *RangeTripper) DownloadToFile(ctx context.Context, url, outfile string, progress chan int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(context.WithValue(req.Context(), outfileKey, outfile))
	if progress != nil {
		req = req.WithContext(context.WithValue(req.Context(), progressChanKey, progress))
	}
	return rt.RoundTrip(req)
}

// RoundTrip is called with a formed Request.
//
// The following Context Key/Values impact the RoundTrip:
//
//	outfileKey: The value is assumed to be a file path where the file should be written to.
//	progressChanKey: The value is assumed to be a chan int64 where RoundTrip will push bytes-written progress updates.
//	  When the response advertises a Content-Length, the first message to this chan is that length;
//	  otherwise only bytes-written counts are sent.
func (rt *RangeTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	var (
		info rangeInfo
	)
	info.Sem = semaphore.NewSemaphore(rt.workers + 1)

	if outputFilePath := r.Context().Value(outfileKey); outputFilePath != nil {
		var err error
		info.Out, err = os.Create(outputFilePath.(string))
		if err != nil {
			return nil, err
		}
		defer info.Out.(*os.File).Close()
	} else {
		info.Out = rPool.Get()
	}

	if pchan := r.Context().Value(progressChanKey); pchan != nil {
		info.Progress = pchan.(chan int64)
	}

	if r.Body != nil {
		defer r.Body.Close()
	}

	var (
		hres          *http.Response
		err           error
		contentLength int
		dlid          = seq.NextHashID()
	)

	defer timings.Track(fmt.Sprintf("[%s] RangeTripper Full", dlid), time.Now(), rt.TimingsOut)

	if hres, err = rt.head(r.Context(), r.URL.String()); err != nil {
		hresn, errn := rt.tryHeadFake(r.Context(), r.URL.String(), &info)
		if errn != nil {
			return nil, err
		} else if hresn.StatusCode == http.StatusOK {
			return hresn, nil
		}
		hres = hresn
	}
	hres.Body.Close()

	if hres.StatusCode == http.StatusForbidden {
		hfres, hferr := rt.tryHeadFake(r.Context(), r.URL.String(), &info)
		if hferr == headFakeFailedError {
			return nil, fmt.Errorf("error during HEAD: %d / %s", hres.StatusCode, hres.Status)
		} else if hferr != nil {
			rt.DebugOut.Printf("Error during tryHeadFake: %v\n", hferr)
			return nil, fmt.Errorf("error during HEAD: %d / %s", hres.StatusCode, hres.Status)
		} else if hfres.StatusCode == http.StatusOK {
			return hfres, nil
		}
		hres = hfres
	} else if !(hres.StatusCode == http.StatusOK || hres.StatusCode == http.StatusPartialContent) {
		return nil, fmt.Errorf("error during HEAD: %d / %s", hres.StatusCode, hres.Status)
	}

	if cl := hres.Header.Get("Content-Length"); cl == "" {
		if err = rt.fetch(r.Context(), r.URL.String(), &info); err != nil {
			return nil, err
		}
		return hres, nil
	} else if contentLength, err = strconv.Atoi(cl); err != nil {
		return nil, fmt.Errorf("[%s] value of Content-Length header appears non-numeric: '%s': %w", dlid, cl, ContentLengthNumericError)
	}

	if info.Progress != nil {
		info.Progress <- int64(contentLength)
	}

	if v := hres.Header.Get("Accept-Ranges"); v == "bytes" {
		var (
			start     int
			end       int
			chunkSize = int(contentLength / rt.workers)
		)
		if rt.chunkSize != 0 {
			chunkSize = int(rt.chunkSize)
			rt.workers = int(contentLength / chunkSize)
		}
		if chunkSize < 1 {
			chunkSize = 1
		}
		if rt.workers < 1 {
			rt.workers = 1
		}

		rt.DebugOut.Printf("[%s] Ranges supported! Content Length: %d, Downloaders: %d, Chunk Size %d\n", dlid, contentLength, rt.workers, chunkSize)

		for range rt.workers {
			info.Sem.Lock()
			if ferr := info.Error.Load(); ferr != nil {
				rt.DebugOut.Printf("\t[%s] Error %v encountered while spawning workers, aborting at %d\n", dlid, ferr, start)
				return nil, ferr
			}

			info.WG.Add(1)
			end = start + chunkSize
			rt.DebugOut.Printf("\t[%s] Worker from %d to %d\n", dlid, start, end)
			go rt.fetchChunk(r.Context(), int64(start), int64(end), r.URL.String(), &info)
			start = end
		}
		if end < contentLength {
			info.Sem.Lock()
			info.WG.Add(1)
			start = end
			end = contentLength
			rt.DebugOut.Printf("\t[%s] Gap worker from %d to %d\n", dlid, start, end)
			go rt.fetchChunk(r.Context(), int64(start), int64(end), r.URL.String(), &info)
		}
		info.WG.Wait()

		if ferr := info.Error.Load(); ferr != nil {
			rt.DebugOut.Printf("[%s] Error %v encountered after all workers spawned, aborting\n", dlid, ferr)
			return nil, ferr
		}

		rt.DebugOut.Printf("[%s] complete\n", dlid)
		defer timings.Track(fmt.Sprintf("[%s] RangeTripper Assembled", dlid), time.Now(), rt.TimingsOut)

		if f, ok := info.Out.(*os.File); ok {
			fileStats, err := f.Stat()
			if err != nil {
				return nil, err
			}
			if fileSize := fileStats.Size(); fileSize != int64(contentLength) {
				return nil, fmt.Errorf("[%s] actual Size: %d expected Size: %d : %w", dlid, fileSize, contentLength, ContentLengthMismatchError)
			}
		} else if f, ok := info.Out.(*recyclable.Buffer); ok {
			if f.Len() != contentLength {
				return nil, fmt.Errorf("[%s] actual Size: %d expected Size: %d : %w", dlid, f.Len(), contentLength, ContentLengthMismatchError)
			}
		}

		if f, ok := info.Out.(io.ReadCloser); ok {
			hres.Body = f
		}
		return hres, nil
	}

	rt.DebugOut.Printf("[%s] Range Download unsupported\nBeginning full download...\n", dlid)
	rt.fetch(r.Context(), r.URL.String(), &info)
	rt.DebugOut.Printf("[%s] Download Complete\n", dlid)

	if f, ok := info.Out.(*recyclable.Buffer); ok {
		hres.Body = f
	}
	return hres, nil
}

// Do is a satisfier of the rangetripper.Client interface, and is identical to RoundTrip
func (rt *RangeTripper) Do(r *http.Request) (*http.Response, error) {
	return rt.RoundTrip(r)
}

// head returns the Response or error from a HEAD request for the specified URL
func (rt *RangeTripper) head(ctx context.Context, url string) (*http.Response, error) {
	var (
		req *http.Request
		res *http.Response
		err error
	)

	defer timings.Track("head", time.Now(), rt.TimingsOut)

	if req, err = http.NewRequestWithContext(ctx, "HEAD", url, nil); err != nil {
		return nil, err
	}
	if res, err = http.DefaultClient.Do(req); err != nil {
		return nil, err
	}
	return res, nil
}

// headFake returns the Response or error from a GET request with a small RANGE
func (rt *RangeTripper) headFake(ctx context.Context, url string) (*http.Response, error) {
	var (
		req   *http.Request
		res   *http.Response
		err   error
		start int64 = 0
		end   int64 = 10
	)

	defer timings.Track("headFake", time.Now(), rt.TimingsOut)

	if req, err = http.NewRequestWithContext(ctx, "GET", url, nil); err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	if res, err = http.DefaultClient.Do(req); err != nil {
		return nil, err
	}

	rt.DebugOut.Printf("HEADFAKE %d-%d returned %d, %s %s\n", start, end, res.StatusCode, res.Header.Get("Content-Range"), res.Header.Get("Content-Length"))
	return res, nil
}

// fetch is a full-response fetch-and-write func. It consumes the response entirely.
func (rt *RangeTripper) fetch(ctx context.Context, url string, info *rangeInfo) error {
	var (
		req *http.Request
		res *http.Response
		err error
		n   int64
	)

	if req, err = http.NewRequestWithContext(ctx, "GET", url, nil); err != nil {
		return err
	}
	if res, err = rt.client.Do(req); err != nil {
		return err
	}
	defer res.Body.Close()

	if n, err = io.Copy(info.Out, res.Body); err != nil {
		return fmt.Errorf("error during write: %w", err)
	}
	if info.Progress != nil {
		defer func() { info.Progress <- n }()
	}

	rt.DebugOut.Printf("Finished Downloading %s\n", url)
	return err
}

// fetchChunk is a range fetch-and-write func. It consumes the response entirely, and assumes
// a WaitGroup has been Added to before it is called.
func (rt *RangeTripper) fetchChunk(ctx context.Context, start, end int64, url string, info *rangeInfo) error {
	var (
		req *http.Request
		res *http.Response
		err error
	)

	if info.Progress != nil {
		defer func() { info.Progress <- end - start }()
	}

	defer info.Sem.Unlock()
	defer info.WG.Done()
	defer timings.Track(fmt.Sprintf("\tfetchChunk %d - %d", start, end), time.Now(), rt.TimingsOut)

	defer func() {
		if err != nil {
			info.Error.Store(err)
		}
	}()

	if req, err = http.NewRequestWithContext(ctx, "GET", url, nil); err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	if res, err = rt.client.Do(req); err != nil {
		return err
	}
	defer res.Body.Close()

	var ra []byte
	if ra, err = io.ReadAll(res.Body); err != nil {
		rt.DebugOut.Printf("Error during ReadAll byte %d: %s\n", start, err)
		return err
	} else if _, err = info.Out.WriteAt(ra, start); err != nil {
		rt.DebugOut.Printf("Error during writing byte %d: %s\n", start, err)
		return err
	}

	rt.DebugOut.Printf("Finished Downloading %d-%d: %s\n", start, end, url)
	return nil
}

// tryHeadFake is an abstraction of logic used previously IFF a HEAD returned 403, so
// it can now be used elsewhere. If the error is headFakeFailedError, that means
// there was no error, per se, but neither were the results compelling, so the caller
// should return any previous error it got from the HEAD.
func (rt *RangeTripper) tryHeadFake(ctx context.Context, url string, info *rangeInfo) (*http.Response, error) {
	if hfres, hferr := rt.headFake(ctx, url); hferr != nil {
		return nil, hferr
	} else if hfres.StatusCode == http.StatusOK {
		defer hfres.Body.Close()

		var (
			err error
			n   int64
		)
		if n, err = io.Copy(info.Out, hfres.Body); err != nil {
			return nil, fmt.Errorf("error during write (hf): %w", err)
		}
		if info.Progress != nil {
			func() { info.Progress <- n }()
		}
		return hfres, nil
	} else if hfres.StatusCode == http.StatusPartialContent {
		parts := strings.Split(hfres.Header.Get("Content-Range"), "/")
		rt.DebugOut.Printf("%+v\n", parts)
		if len(parts) == 2 {
			hfres.Header.Set("Content-Length", parts[1])
		}
		if v := hfres.Header.Get("Accept-Ranges"); v != "bytes" {
			hfres.Header.Set("Accept-Ranges", "bytes")
		}
		return hfres, nil
	} else {
		return nil, headFakeFailedError
	}
}
