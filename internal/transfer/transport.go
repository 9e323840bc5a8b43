package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ProgressFunc receives attempt-relative byte counts from the transport.
// total is 0 when the server did not announce a length. Returning false
// aborts the transfer; this is the sole cooperative-abort pathway.
type ProgressFunc func(done, total int64) bool

// GetRequest describes one synchronous GET transfer.
type GetRequest struct {
	URL            string
	RangeStart     int64 // >0 adds a "Range: bytes=N-" header
	Timeout        time.Duration
	ConnectTimeout time.Duration
	Sink           io.Writer
	Progress       ProgressFunc
}

// GetResult is the raw outcome of one GET transfer. Err-free results still
// carry any HTTP status, including 4xx/5xx.
type GetResult struct {
	StatusCode   int
	BytesWritten int64
	Aborted      bool // the progress callback asked to stop
}

// Transport is the HTTP binding used by the engine. The concrete client is
// behind this interface so tests and alternative stacks can substitute it.
type Transport interface {
	// Head fetches the resource's Content-Length, -1 if unknown.
	Head(ctx context.Context, url string, connectTimeout time.Duration) (int64, error)
	// Get streams the response body into req.Sink, invoking req.Progress as
	// bytes arrive. Error bodies (non-2xx) are discarded, not written.
	Get(ctx context.Context, req GetRequest) (GetResult, error)
}

// httpTransport binds net/http.
type httpTransport struct{}

// NewHTTPTransport returns the default net/http-backed transport.
func NewHTTPTransport() Transport {
	return &httpTransport{}
}

func newClient(overall, connect time.Duration) *http.Client {
	return &http.Client{
		Timeout: overall,
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: connect}).DialContext,
			TLSHandshakeTimeout:   connect,
			ResponseHeaderTimeout: connect,
			Proxy:                 http.ProxyFromEnvironment,
		},
	}
}

func (ht *httpTransport) Head(ctx context.Context, url string, connectTimeout time.Duration) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return -1, err
	}

	resp, err := newClient(connectTimeout, connectTimeout).Do(req)
	if err != nil {
		return -1, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return -1, fmt.Errorf("HEAD returned status %d", resp.StatusCode)
	}
	return resp.ContentLength, nil
}

func (ht *httpTransport) Get(ctx context.Context, req GetRequest) (GetResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return GetResult{}, err
	}
	if req.RangeStart > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.RangeStart))
	}

	resp, err := newClient(req.Timeout, req.ConnectTimeout).Do(httpReq)
	if err != nil {
		return GetResult{}, err
	}
	defer resp.Body.Close()

	res := GetResult{StatusCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused, then drop the body.
		io.CopyN(io.Discard, resp.Body, 32*1024)
		return res, nil
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	buf := make([]byte, 64*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, wErr := req.Sink.Write(buf[:n]); wErr != nil {
				return res, wErr
			}
			res.BytesWritten += int64(n)
			if req.Progress != nil && !req.Progress(res.BytesWritten, total) {
				res.Aborted = true
				return res, nil
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return res, readErr
		}
	}

	if total > 0 && res.BytesWritten < total {
		return res, io.ErrUnexpectedEOF
	}
	return res, nil
}
