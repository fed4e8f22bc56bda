package rangeclient

import "fmt"

// clientError is a static, stringly-typed error, mirroring the
// sentinel-error style the teacher uses for its own ContentLength*
// errors (rtError in rangetripper/rangetripper.go).
type clientError string

func (e clientError) Error() string {
	return string(e)
}

// Sentinel errors for the taxonomy spec.md §4.3 names.
const (
	ErrEmptyURL       = clientError("rangeclient: empty URL")
	ErrEmptyHost      = clientError("rangeclient: empty host")
	ErrEmptyPort      = clientError("rangeclient: empty port")
	ErrEmptyPath      = clientError("rangeclient: empty path")
	ErrConnectFailed  = clientError("rangeclient: connect failed")
	ErrNoResponse     = clientError("rangeclient: no response received")
	ErrReadHeaders    = clientError("rangeclient: failed reading response headers")
	ErrNoContentRange = clientError("rangeclient: missing or malformed Content-Range header")
	ErrStatusNope     = clientError("rangeclient: non-retriable HTTP status received")
)

// HTTPStatusError is returned when a request completes but with a
// non-2xx status code. The numeric code is preserved, per spec.md
// §4.3's "any other code is a failure with the numeric code surfaced".
type HTTPStatusError struct {
	Code   int
	Status string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("rangeclient: http status %d (%s)", e.Code, e.Status)
}
