package rangetripper

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"
)

func ExampleRangeTripper() {
	tfile, err := os.CreateTemp("/tmp", "rt")
	if err != nil {
		panic(err)
	}
	defer os.Remove(tfile.Name())

	rt, _ := New(10)
	if _, err := rt.DownloadToFile(context.Background(), "https://google.com/", tfile.Name(), nil); err != nil {
		panic(err)
	}
	// tfile is the google homepage
}

func Test_StandardDownload(t *testing.T) {
	defer leaktest.Check(t)()

	tfile, err := os.CreateTemp("/tmp", "sd")
	if err != nil {
		panic(err)
	}
	defer os.Remove(tfile.Name())

	Convey("When a server doesn't support ranges, RangeTripper downloads the content correctly to a file", t, func() {
		serverBytes := []byte(`OK I have something to say here weeeeee`)

		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.Write(serverBytes)
		}))
		defer server.Close()

		rt, err := New(10)
		So(err, ShouldBeNil)

		_, rerr := rt.DownloadToFile(context.Background(), server.URL, tfile.Name(), nil)
		So(rerr, ShouldBeNil)

		fileContents, ferr := os.ReadFile(tfile.Name())
		So(ferr, ShouldBeNil)
		So(string(fileContents), ShouldEqual, string(serverBytes))
	})
}

func Test_StandardDownloadWithHTTPClient(t *testing.T) {
	defer leaktest.Check(t)()

	tfile, err := os.CreateTemp("/tmp", "sdhc")
	if err != nil {
		panic(err)
	}
	defer os.Remove(tfile.Name())

	Convey("When RangeTripper is configured with a bare http.Client, it still downloads the content correctly", t, func() {
		serverBytes := []byte(`OK I have something to say here weeeeee`)

		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.Write(serverBytes)
		}))
		defer server.Close()

		rt, err := New(10)
		So(err, ShouldBeNil)
		rt.SetClient(new(http.Client))

		_, rerr := rt.DownloadToFile(context.Background(), server.URL, tfile.Name(), nil)
		So(rerr, ShouldBeNil)

		fileContents, ferr := os.ReadFile(tfile.Name())
		So(ferr, ShouldBeNil)
		So(string(fileContents), ShouldEqual, string(serverBytes))
	})
}

func Test_RangeDownloadFile(t *testing.T) {
	defer leaktest.Check(t)()

	tfile, err := os.CreateTemp("/tmp", "rd")
	if err != nil {
		panic(err)
	}
	defer os.Remove(tfile.Name())

	tfile2, err := os.CreateTemp("/tmp", "rdx")
	if err != nil {
		panic(err)
	}
	defer os.Remove(tfile2.Name())

	Convey("When a server supports ranges, RangeTripper downloads the content correctly to a file and reports progress", t, func(c C) {
		serverBytes := []byte(`OK I have something to say here weeeeee OK I have something to say here weeeeee OK I have something to say here weeeeee OK I have something to say here weeeeee`)
		So(os.WriteFile(tfile2.Name(), serverBytes, 0), ShouldBeNil)

		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			http.ServeFile(rw, req, tfile2.Name()) // sets Content-Length and Accept-Ranges
		}))
		defer server.Close()

		rt, err := New(10)
		So(err, ShouldBeNil)

		progress := make(chan int64)
		done := make(chan interface{})
		go func(x C, p <-chan int64) {
			contentLength := <-p
			var count int64
			for {
				select {
				case <-done:
					x.So(count, ShouldEqual, contentLength)
					return
				case b := <-p:
					count += b
				}
			}
		}(c, progress)

		_, rerr := rt.DownloadToFile(context.Background(), server.URL, tfile.Name(), progress)
		close(done)

		So(rerr, ShouldBeNil)
		fileContents, ferr := os.ReadFile(tfile.Name())
		So(ferr, ShouldBeNil)
		So(string(fileContents), ShouldEqual, string(serverBytes))
	})
}

func Test_RangeDownloadBuffer(t *testing.T) {
	defer leaktest.Check(t)()

	tfile2, err := os.CreateTemp("/tmp", "rdx")
	if err != nil {
		panic(err)
	}
	defer os.Remove(tfile2.Name())

	Convey("When a server supports ranges, Download fetches the content correctly into an in-memory buffer", t, func() {
		serverBytes := []byte(`OK I have something to say here weeeeee OK I have something to say here weeeeee OK I have something to say here weeeeee OK I have something to say here weeeeee`)
		So(os.WriteFile(tfile2.Name(), serverBytes, 0), ShouldBeNil)

		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			http.ServeFile(rw, req, tfile2.Name())
		}))
		defer server.Close()

		rt, err := New(10)
		So(err, ShouldBeNil)

		resp, rerr := rt.Download(context.Background(), server.URL, nil)
		So(rerr, ShouldBeNil)
		defer resp.Body.Close()

		rBytes, raerr := io.ReadAll(resp.Body)
		So(raerr, ShouldBeNil)
		So(rBytes, ShouldResemble, serverBytes)
	})
}

func Test_RangeDownloadChunkSize(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When chunkSize is set, RangeTripper divides the download into the expected number of workers", t, func() {
		serverBytes := []byte(`OK I have something to say here weeeeee OK I have something to say here weeeeee OK I have something to say here weeeeee OK I have something to say here weeeeee`)

		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			http.ServeContent(rw, req, "thefile", time.Now(), bytes.NewReader(serverBytes))
		}))
		defer server.Close()

		for chunkSize := int64(1); chunkSize < 10; chunkSize++ {
			tfile, err := os.CreateTemp("/tmp", "rtchunk")
			if err != nil {
				panic(err)
			}
			tfile.Close()
			defer os.Remove(tfile.Name())

			rt, err := New(10)
			So(err, ShouldBeNil)
			rt.SetChunkSize(chunkSize)

			_, rerr := rt.DownloadToFile(context.Background(), server.URL, tfile.Name(), nil)
			So(rerr, ShouldBeNil)

			fileContents, ferr := os.ReadFile(tfile.Name())
			So(ferr, ShouldBeNil)
			So(string(fileContents), ShouldEqual, string(serverBytes))
			So(rt.workers, ShouldEqual, int(int64(len(serverBytes))/chunkSize))
		}
	})
}

func Test_HEAD403(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When a server returns a 403 for both HEAD and GET, it is handled correctly", t, func() {
		tfile, err := os.CreateTemp("/tmp", "sdhc")
		if err != nil {
			panic(err)
		}
		defer os.Remove(tfile.Name())
		defer tfile.Close()

		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.WriteHeader(http.StatusForbidden)
			rw.Write([]byte(`FORBIDDEN`))
		}))
		defer server.Close()

		rt, err := New(10)
		So(err, ShouldBeNil)
		rt.SetClient(new(http.Client))

		_, rerr := rt.DownloadToFile(context.Background(), server.URL, tfile.Name(), nil)
		So(rerr, ShouldNotBeNil)
	})

	Convey("When a server returns a 403 for HEAD but a 206 for GET, the headFake fallback recovers", t, func() {
		serverBytes := []byte(`OK I have something to say here weeeeee OK I have something to say here weeeeee OK I have something to say here weeeeee OK I have something to say here weeeeee`)

		tfile, err := os.CreateTemp("/tmp", "sdhc")
		if err != nil {
			panic(err)
		}
		defer os.Remove(tfile.Name())

		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			if req.Method == http.MethodHead {
				rw.WriteHeader(http.StatusForbidden)
				rw.Write([]byte(`FORBIDDEN`))
				return
			}
			http.ServeContent(rw, req, "thefile", time.Now(), bytes.NewReader(serverBytes))
		}))
		defer server.Close()

		rt, err := New(10)
		So(err, ShouldBeNil)
		rt.SetClient(new(http.Client))
		rt.SetChunkSize(10)

		_, rerr := rt.DownloadToFile(context.Background(), server.URL, tfile.Name(), nil)
		So(rerr, ShouldBeNil)
		tfile.Close()

		fileContents, ferr := os.ReadFile(tfile.Name())
		So(ferr, ShouldBeNil)
		So(string(fileContents), ShouldEqual, string(serverBytes))
	})
}

func Test_RetryClient(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When a request works, RetryClient doesn't retry", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.Write([]byte("Woooo"))
		}))
		defer server.Close()

		rt := NewRetryClient(3, 10*time.Millisecond, 10*time.Millisecond)
		req, _ := http.NewRequest("GET", server.URL, nil)

		start := time.Now()
		res, rerr := rt.Do(req)
		stop := time.Now()
		So(rerr, ShouldBeNil)
		So(res.StatusCode, ShouldEqual, http.StatusOK)
		So(stop, ShouldHappenWithin, 2*time.Millisecond, start)
	})

	Convey("When a request times out, retries happen and it eventually errors out", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			time.Sleep(1 * time.Second)
		}))
		defer server.Close()

		rt := NewRetryClient(3, 10*time.Millisecond, 10*time.Millisecond)
		req, _ := http.NewRequest("GET", server.URL, nil)

		start := time.Now()
		_, rerr := rt.Do(req)
		stop := time.Now()
		So(rerr.Error(), ShouldContainSubstring, "context deadline exceeded")
		So(stop, ShouldHappenWithin, ((3*2+1+1)*10)*time.Millisecond, start)
	})

	Convey("When a request returns a 403, RetryClient errors out immediately without retrying", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		rt := NewRetryClient(3, 10*time.Millisecond, 10*time.Millisecond)
		req, _ := http.NewRequest("GET", server.URL, nil)

		start := time.Now()
		_, rerr := rt.Do(req)
		stop := time.Now()
		So(rerr, ShouldEqual, ErrStatusNope)
		So(stop, ShouldHappenWithin, 4*time.Millisecond, start)
	})
}

func Test_RetryClientExponentialBackoff(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When a request times out, exponential backoff retries happen and it eventually errors out", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			time.Sleep(1 * time.Second)
		}))
		defer server.Close()

		rt := NewRetryClientWithExponentialBackoff(3, 10*time.Millisecond, 10*time.Millisecond)
		req, _ := http.NewRequest("GET", server.URL, nil)

		start := time.Now()
		_, rerr := rt.Do(req)
		stop := time.Now()
		So(rerr, ShouldNotBeNil)
		So(stop, ShouldHappenWithin, time.Duration(int64(math.Pow(10, 3)))*time.Millisecond, start)
	})
}

func Test_StandardDownload500s(t *testing.T) {
	defer leaktest.Check(t)()

	tfile, err := os.CreateTemp("/tmp", "sdfs")
	if err != nil {
		panic(err)
	}
	defer os.Remove(tfile.Name())

	Convey("When a server throws 500s, retries happen and it eventually errors out", t, func() {
		serverBytes := []byte(`OK I have something to say here weeeeee`)

		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			rw.WriteHeader(http.StatusInternalServerError)
			rw.Write(serverBytes)
		}))
		defer server.Close()

		rt, err := New(10)
		So(err, ShouldBeNil)
		rt.SetClient(NewRetryClient(3, 10*time.Millisecond, 10*time.Millisecond))

		_, rerr := rt.DownloadToFile(context.Background(), server.URL, tfile.Name(), nil)
		So(rerr, ShouldNotBeNil)
	})
}

func Test_HEADErrorButGETRange(t *testing.T) {
	defer leaktest.Check(t)()

	tfile, err := os.CreateTemp("/tmp", "sdfs")
	if err != nil {
		panic(err)
	}
	defer os.Remove(tfile.Name())

	Convey("When a server supports ranges but drops the connection on HEAD, the headFake fallback recovers", t, func() {
		serverBytes := []byte(`OK I have something to say here weeeeee!!!!`)

		var server *httptest.Server
		server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			if req.Method == http.MethodHead {
				server.CloseClientConnections()
				return
			}
			http.ServeContent(rw, req, "thefile", time.Now(), bytes.NewReader(serverBytes))
		}))
		defer server.Close()

		rt, err := New(10)
		So(err, ShouldBeNil)
		rt.SetClient(NewRetryClient(3, 10*time.Millisecond, 10*time.Millisecond))

		_, rerr := rt.DownloadToFile(context.Background(), server.URL, tfile.Name(), nil)
		So(rerr, ShouldBeNil)
		tfile.Close()

		fileContents, ferr := os.ReadFile(tfile.Name())
		So(ferr, ShouldBeNil)
		So(string(fileContents), ShouldEqual, string(serverBytes))
	})
}

func Test_DownloadRespectsContextCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	Convey("When the context is already canceled, Download fails fast instead of hanging", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			time.Sleep(1 * time.Second)
		}))
		defer server.Close()

		rt, err := New(4)
		So(err, ShouldBeNil)
		rt.SetClient(NewRetryClient(1, 5*time.Millisecond, 5*time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, rerr := rt.Download(ctx, server.URL, nil)
		So(rerr, ShouldNotBeNil)
	})
}
