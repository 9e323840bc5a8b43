package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour/downpour/internal/logger"
)

func testContent(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log := logger.NewWithWriter(io.Discard, "error")
	return NewEngine(&log.Logger)
}

// serveContent stands up a server with full HEAD and Range support.
func serveContent(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func params(url, dest string, retries int) Params {
	return Params{
		URL:                   url,
		Destination:           dest,
		RetryCount:            retries,
		TimeoutSeconds:        30,
		ConnectTimeoutSeconds: 5,
	}
}

func TestRun_HappyPath(t *testing.T) {
	content := testContent(1_000_000)
	srv := serveContent(t, content)
	dest := filepath.Join(t.TempDir(), "a.bin")

	e := newTestEngine(t)
	outcome, err := e.Run(context.Background(), params(srv.URL+"/a.bin", dest, 3), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = os.Stat(dest + PartSuffix)
	assert.True(t, os.IsNotExist(err), "partial file should be gone after success")
}

func TestRun_InvalidParams(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Run(context.Background(), Params{}, Hooks{})
	assert.True(t, IsKind(err, KindInvalidArgument))
}

func TestRun_ResumesPartialFile(t *testing.T) {
	content := testContent(1000)
	var rangeHeader atomic.Value
	var bodyBytes atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if rng := r.Header.Get("Range"); rng != "" {
				rangeHeader.Store(rng)
			}
		}
		cw := &countingWriter{ResponseWriter: w, n: &bodyBytes}
		http.ServeContent(cw, r, "b.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "b.bin")
	require.NoError(t, os.WriteFile(dest+PartSuffix, content[:500], 0644))

	e := newTestEngine(t)
	outcome, err := e.Run(context.Background(), params(srv.URL+"/b.bin", dest, 3), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got, "resumed file must be byte-identical to a full fetch")

	assert.Equal(t, "bytes=500-", rangeHeader.Load())
	assert.Equal(t, int64(500), bodyBytes.Load(), "only the missing tail should travel")
}

type countingWriter struct {
	http.ResponseWriter
	n *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n.Add(int64(len(p)))
	return c.ResponseWriter.Write(p)
}

func TestRun_EmptyPartialFileTreatedFresh(t *testing.T) {
	content := testContent(100)
	srv := serveContent(t, content)
	dest := filepath.Join(t.TempDir(), "c.bin")
	require.NoError(t, os.WriteFile(dest+PartSuffix, nil, 0644))

	e := newTestEngine(t)
	outcome, err := e.Run(context.Background(), params(srv.URL+"/c.bin", dest, 0), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got, _ := os.ReadFile(dest)
	assert.Equal(t, content, got)
}

func TestRun_TransientRetryWithBackoff(t *testing.T) {
	content := testContent(2048)
	var gets atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(content)))
			return
		}
		if gets.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "d.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "d.bin")
	e := newTestEngine(t)

	var delays []time.Duration
	e.sleep = func(d time.Duration) { delays = append(delays, d) }

	outcome, err := e.Run(context.Background(), params(srv.URL+"/d.bin", dest, 3), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, int32(3), gets.Load())
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, delays)

	got, _ := os.ReadFile(dest)
	assert.Equal(t, content, got)
}

func TestRun_RetriesExhausted(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "e.bin")
	e := newTestEngine(t)
	e.sleep = func(time.Duration) {}

	_, err := e.Run(context.Background(), params(srv.URL+"/e.bin", dest, 1), Hooks{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRetriesExhausted))
	assert.Equal(t, int32(2), gets.Load(), "retry budget 1 means two attempts")
}

func TestRun_ZeroRetryBudgetMeansSingleAttempt(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "f.bin")
	e := newTestEngine(t)
	slept := false
	e.sleep = func(time.Duration) { slept = true }

	_, err := e.Run(context.Background(), params(srv.URL+"/f.bin", dest, 0), Hooks{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRetriesExhausted))
	assert.Equal(t, int32(1), gets.Load())
	assert.False(t, slept, "no backoff sleep on the only attempt")
}

func TestRun_PermanentFailureNoRetry(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "g.bin")
	e := newTestEngine(t)

	_, err := e.Run(context.Background(), params(srv.URL+"/g.bin", dest, 3), Hooks{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindHTTPPermanent))
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), gets.Load())

	_, statErr := os.Stat(dest + PartSuffix)
	assert.True(t, os.IsNotExist(statErr), "no partial file after a permanent failure")
}

func TestRun_ChecksumVerified(t *testing.T) {
	content := testContent(4096)
	sum := sha256.Sum256(content)
	srv := serveContent(t, content)
	dest := filepath.Join(t.TempDir(), "h.bin")

	p := params(srv.URL+"/h.bin", dest, 0)
	p.ExpectedChecksum = hex.EncodeToString(sum[:])
	p.VerifyChecksum = true

	e := newTestEngine(t)
	outcome, err := e.Run(context.Background(), p, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestRun_ChecksumMismatchDeletesDestination(t *testing.T) {
	content := testContent(4096)
	srv := serveContent(t, content)
	dest := filepath.Join(t.TempDir(), "i.bin")

	p := params(srv.URL+"/i.bin", dest, 0)
	p.ExpectedChecksum = "deadbeef"
	p.VerifyChecksum = true

	e := newTestEngine(t)
	_, err := e.Run(context.Background(), p, Hooks{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindChecksumMismatch))
	assert.Contains(t, err.Error(), "checksum")

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "mismatched file must be removed")
}

func TestRun_HeadFailureTolerated(t *testing.T) {
	content := testContent(512)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "j.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "j.bin")
	e := newTestEngine(t)
	outcome, err := e.Run(context.Background(), params(srv.URL+"/j.bin", dest, 0), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestRun_FullBodyToRangeRequestRestartsFresh(t *testing.T) {
	content := testContent(1000)
	var gets atomic.Int32
	// This server ignores Range and always answers 200 with the full body.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(content)))
			return
		}
		gets.Add(1)
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "k.bin")
	require.NoError(t, os.WriteFile(dest+PartSuffix, content[:500], 0644))

	e := newTestEngine(t)
	outcome, err := e.Run(context.Background(), params(srv.URL+"/k.bin", dest, 3), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got, _ := os.ReadFile(dest)
	assert.Equal(t, content, got, "stale partial bytes must not survive a 200 response")
	assert.Equal(t, int32(2), gets.Load(), "one discarded ranged attempt, one fresh fetch")
}

func TestRun_CooperativeAbortKeepsPartialFile(t *testing.T) {
	content := testContent(1 << 20)
	srv := serveContent(t, content)
	dest := filepath.Join(t.TempDir(), "l.bin")

	var calls atomic.Int32
	hooks := Hooks{
		ShouldContinue: func() bool { return calls.Add(1) <= 2 },
	}

	e := newTestEngine(t)
	outcome, err := e.Run(context.Background(), params(srv.URL+"/l.bin", dest, 3), hooks)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)

	st, statErr := os.Stat(dest + PartSuffix)
	require.NoError(t, statErr, "partial file must remain for a later resume")
	assert.Greater(t, st.Size(), int64(0))

	_, statErr = os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_ProgressIncludesResumeOffset(t *testing.T) {
	content := testContent(1000)
	srv := serveContent(t, content)
	dest := filepath.Join(t.TempDir(), "m.bin")
	require.NoError(t, os.WriteFile(dest+PartSuffix, content[:400], 0644))

	var lastDone, lastTotal atomic.Int64
	hooks := Hooks{
		OnProgress: func(done, total int64) {
			lastDone.Store(done)
			lastTotal.Store(total)
		},
	}

	e := newTestEngine(t)
	outcome, err := e.Run(context.Background(), params(srv.URL+"/m.bin", dest, 0), hooks)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	assert.Equal(t, int64(1000), lastDone.Load(), "final tick reports offset plus attempt bytes")
	assert.Equal(t, int64(1000), lastTotal.Load())
}
