// Package httpclient builds the outbound HTTP clients shared by this repo's
// fetch paths and enforces response-size limits on their bodies.
package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// New returns an http.Client configured for outbound requests.
//
// The transport is a clone of http.DefaultTransport, so HTTP(S)_PROXY /
// NO_PROXY are respected. A timeout <= 0 leaves the client without a global
// deadline; callers are expected to bound each request with a context.
func New(timeout time.Duration) *http.Client {
	client := &http.Client{Transport: Transport()}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}

// Transport returns a clone of the default transport for outbound calls.
func Transport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: http.ProxyFromEnvironment}
	}
	return base.Clone()
}

// ResponseTooLargeError reports that a response body exceeded the limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsResponseTooLarge reports whether err indicates a response limit violation.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit reads r to completion, failing as soon as more than limit
// bytes have been consumed. A limit <= 0 behaves like io.ReadAll. The partial
// body is never returned on failure.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}
