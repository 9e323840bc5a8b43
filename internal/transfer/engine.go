// Package transfer performs a single URL-to-file download with partial-file
// resume, retry with error classification, exponential backoff, progress
// streaming and optional SHA-256 verification of the delivered bytes.
//
// Bytes land in a sibling "<destination>.part" file which is renamed into
// place when the transfer succeeds; if checksum verification then fails,
// the destination is deleted. The partial file on disk is the only resume
// state. An in-flight transfer is stopped cooperatively by the
// progress callback when the caller's continue predicate turns false.
package transfer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// PartSuffix is appended to the destination to name the in-progress file.
const PartSuffix = ".part"

// maxBackoff caps the exponential retry delay.
const maxBackoff = 60 * time.Second

// Params is the plain-value configuration of one transfer, usually obtained
// from a task snapshot.
type Params struct {
	URL                   string
	Destination           string
	RetryCount            int
	TimeoutSeconds        int
	ConnectTimeoutSeconds int
	ExpectedChecksum      string
	VerifyChecksum        bool
}

// Outcome distinguishes a finished transfer from one stopped cooperatively.
type Outcome int

const (
	// OutcomeCompleted means the destination file is in place and verified.
	OutcomeCompleted Outcome = iota
	// OutcomePaused means the continue predicate turned false mid-transfer.
	// The partial file is left on disk for a later resume; whether the task
	// was paused or canceled is the caller's to decide.
	OutcomePaused
)

// Hooks connect a running transfer to its task without the engine knowing
// the task type.
type Hooks struct {
	// ShouldContinue is polled from the progress callback; returning false
	// aborts the transfer.
	ShouldContinue func() bool
	// OnProgress receives (bytesDownloaded, totalBytes) including any resume
	// offset. Calls are rate-limited to one per second plus a final tick.
	OnProgress func(done, total int64)
}

// Engine performs transfers. It is stateless across Run calls and safe for
// concurrent use.
type Engine struct {
	transport Transport
	logger    zerolog.Logger

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(time.Duration)
}

// NewEngine creates an engine on the default net/http transport.
func NewEngine(log *zerolog.Logger) *Engine {
	return NewEngineWithTransport(NewHTTPTransport(), log)
}

// NewEngineWithTransport creates an engine on the given transport.
func NewEngineWithTransport(t Transport, log *zerolog.Logger) *Engine {
	return &Engine{
		transport: t,
		logger:    log.With().Str("component", "transfer").Logger(),
		sleep:     time.Sleep,
	}
}

// Run executes the transfer described by p. It returns OutcomeCompleted and
// a nil error on success, OutcomePaused and a nil error when hooks aborted
// the transfer, and a classified *Error otherwise.
func (e *Engine) Run(ctx context.Context, p Params, hooks Hooks) (Outcome, error) {
	if p.URL == "" || p.Destination == "" {
		return 0, failf(KindInvalidArgument, nil, "url and destination are required")
	}

	dest := p.Destination
	temp := dest + PartSuffix
	dir := filepath.Dir(dest)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, failf(KindIO, err, "failed to create directory %s", dir)
	}

	overall := time.Duration(p.TimeoutSeconds) * time.Second
	connect := time.Duration(p.ConnectTimeoutSeconds) * time.Second

	attempt := 0
	for {
		// Rebuild preflight and resume state every attempt so a retry picks
		// up whatever bytes survived the previous one.
		contentLength := e.headLength(ctx, p.URL, connect)

		resumeOffset, err := e.prepareResume(temp)
		if err != nil {
			return 0, err
		}

		if contentLength > 0 && resumeOffset == 0 {
			if free, err := freeSpace(dir); err == nil && free < contentLength {
				e.logger.Error().Str("url", p.URL).Int64("needed", contentLength).Int64("free", free).
					Msg("insufficient disk space")
				return 0, failf(KindDiskFull, nil,
					"insufficient disk space: need %d bytes, %d available", contentLength, free)
			}
		}

		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if resumeOffset > 0 {
			flags = os.O_WRONLY | os.O_APPEND
			e.logger.Info().Str("url", p.URL).Int64("offset", resumeOffset).Msg("resuming partial download")
		}
		f, err := os.OpenFile(temp, flags, 0644)
		if err != nil {
			return 0, failf(KindIO, err, "failed to open %s", temp)
		}

		var lastTick time.Time
		progress := func(done, total int64) bool {
			totalDone := resumeOffset + done
			totalExpected := total
			if total > 0 {
				totalExpected = resumeOffset + total
			}

			final := total > 0 && done == total
			if hooks.OnProgress != nil && (final || time.Since(lastTick) >= time.Second) {
				lastTick = time.Now()
				hooks.OnProgress(totalDone, totalExpected)
			}

			return hooks.ShouldContinue == nil || hooks.ShouldContinue()
		}

		res, getErr := e.transport.Get(ctx, GetRequest{
			URL:            p.URL,
			RangeStart:     resumeOffset,
			Timeout:        overall,
			ConnectTimeout: connect,
			Sink:           f,
			Progress:       progress,
		})
		f.Close()

		if res.Aborted {
			// Cooperative abort: the partial file stays for a later resume.
			e.logger.Info().Str("url", p.URL).Int64("bytes", resumeOffset+res.BytesWritten).
				Msg("transfer stopped by caller")
			return OutcomePaused, nil
		}

		if res.StatusCode == 200 && resumeOffset > 0 {
			// The server ignored our Range header, so the appended bytes are
			// garbage. Discard the partial file and redo this attempt fresh.
			e.logger.Warn().Str("url", p.URL).Int64("offset", resumeOffset).
				Msg("server does not support resume, restarting from scratch")
			if err := os.Remove(temp); err != nil {
				return 0, failf(KindIO, err, "failed to remove stale partial file %s", temp)
			}
			continue
		}

		switch classify(getErr, res.StatusCode) {
		case classSuccess:
			return e.finalize(p, temp, dest, resumeOffset+res.BytesWritten, hooks)

		case classPermanent:
			os.Remove(temp)
			if getErr != nil {
				e.logger.Error().Str("url", p.URL).Err(getErr).Msg("permanent transfer failure")
				return 0, failf(KindHTTPPermanent, getErr, "download failed permanently")
			}
			e.logger.Error().Str("url", p.URL).Int("status", res.StatusCode).Msg("permanent transfer failure")
			return 0, failf(KindHTTPPermanent, nil, "download failed with HTTP %d", res.StatusCode)

		case classTransient:
			if attempt >= p.RetryCount {
				e.logger.Error().Str("url", p.URL).Int("attempts", attempt+1).Msg("retries exhausted")
				if getErr != nil {
					return 0, failf(KindRetriesExhausted, getErr,
						"download failed after %d attempts", attempt+1)
				}
				return 0, failf(KindRetriesExhausted, nil,
					"download failed after %d attempts, last HTTP status %d", attempt+1, res.StatusCode)
			}
			delay := backoff(attempt)
			e.logger.Warn().Str("url", p.URL).Int("attempt", attempt+1).Int("status", res.StatusCode).
				Err(getErr).Dur("nextRetryIn", delay).Msg("transient transfer failure, will retry")
			e.sleep(delay)
			attempt++
		}
	}
}

// headLength asks the server for the content length; -1 when unknown. A
// failing HEAD is tolerated and only skips the disk-space preflight.
func (e *Engine) headLength(ctx context.Context, url string, connect time.Duration) int64 {
	length, err := e.transport.Head(ctx, url, connect)
	if err != nil {
		e.logger.Debug().Str("url", url).Err(err).Msg("HEAD request failed, skipping space check")
		return -1
	}
	return length
}

// prepareResume inspects the partial file and returns the resume offset.
// An empty partial file is removed and treated as a fresh start.
func (e *Engine) prepareResume(temp string) (int64, error) {
	st, err := os.Stat(temp)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, failf(KindIO, err, "failed to stat %s", temp)
	}
	if st.Size() == 0 {
		if err := os.Remove(temp); err != nil {
			return 0, failf(KindIO, err, "failed to remove empty partial file %s", temp)
		}
		return 0, nil
	}
	return st.Size(), nil
}

// finalize renames the finished partial file into place and verifies the
// checksum if one was configured. A rename failure keeps the partial file
// so the operator can recover it.
func (e *Engine) finalize(p Params, temp, dest string, totalBytes int64, hooks Hooks) (Outcome, error) {
	if err := os.Rename(temp, dest); err != nil {
		return 0, failf(KindIO, err, "failed to finalize download, partial file retained at %s", temp)
	}

	if p.VerifyChecksum {
		ok, actual, err := VerifySHA256(dest, p.ExpectedChecksum)
		if err != nil {
			return 0, failf(KindIO, err, "failed to compute checksum of %s", dest)
		}
		if !ok {
			os.Remove(dest)
			e.logger.Error().Str("url", p.URL).Str("expected", p.ExpectedChecksum).Str("actual", actual).
				Msg("checksum mismatch")
			return 0, failf(KindChecksumMismatch, nil,
				"checksum mismatch: expected %s, got %s", p.ExpectedChecksum, actual)
		}
	}

	if hooks.OnProgress != nil {
		hooks.OnProgress(totalBytes, totalBytes)
	}
	e.logger.Info().Str("url", p.URL).Str("destination", dest).Int64("bytes", totalBytes).
		Msg("transfer finished")
	return OutcomeCompleted, nil
}

// backoff returns 2^attempt seconds capped at maxBackoff.
func backoff(attempt int) time.Duration {
	if attempt > 10 {
		return maxBackoff
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
