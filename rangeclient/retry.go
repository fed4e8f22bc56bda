package rangeclient

import (
	"net/http"
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

// retryDoer wraps an *http.Client with the teacher's retry policy:
// retry on transient failures and non-2xx, non-4xx statuses, but never
// on any 4xx (ErrStatusNope), matching rangetripper's RetryClient.
type retryDoer struct {
	client  *http.Client
	retrier *retrier.Retrier
}

// newConstantRetryDoer mirrors the teacher's NewRetryClient.
func newConstantRetryDoer(retries int, every, timeout time.Duration) *retryDoer {
	b := make(retrier.BlacklistClassifier, 1)
	b[0] = ErrStatusNope

	return &retryDoer{
		client:  &http.Client{Timeout: timeout},
		retrier: retrier.New(retrier.ConstantBackoff(retries, every), b),
	}
}

// newExponentialRetryDoer mirrors the teacher's
// NewRetryClientWithExponentialBackoff. It is selected by
// WithRetryPolicy(..., true); the prefetch worker's Recovering state
// does its own capped backoff and does not use it.
func newExponentialRetryDoer(retries int, initially, timeout time.Duration) *retryDoer {
	b := make(retrier.BlacklistClassifier, 1)
	b[0] = ErrStatusNope

	return &retryDoer{
		client:  &http.Client{Timeout: timeout},
		retrier: retrier.New(retrier.ExponentialBackoff(retries, initially), b),
	}
}

// Do runs req through the retry policy, treating any non-2xx response
// as a failure (4xx is blacklisted from retry via ErrStatusNope).
func (d *retryDoer) Do(req *http.Request) (*http.Response, error) {
	var ret *http.Response

	try := func() error {
		resp, tryErr := d.client.Do(req)
		if tryErr != nil {
			return tryErr
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			resp.Body.Close()
			return ErrStatusNope
		} else if resp.StatusCode >= 300 || resp.StatusCode < 200 {
			resp.Body.Close()
			return &HTTPStatusError{Code: resp.StatusCode, Status: resp.Status}
		}

		ret = resp
		return nil
	}

	if err := d.retrier.Run(try); err != nil {
		return nil, err
	}
	return ret, nil
}
