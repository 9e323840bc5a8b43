// Package task models a single download and its lifecycle. A task is shared
// between the manager and at most one executing worker; every operation is
// safe under concurrent use. The state lives in one atomic cell and all
// transitions are compare-and-swap from a specific expected state, so
// terminal states are sticky and reads never need a lock.
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/downpour/downpour/internal/transfer"
)

// State is the lifecycle state of a download task.
type State int32

const (
	StateQueued State = iota
	StateDownloading
	StatePaused
	StateCompleted
	StateFailed
	StateCanceled
)

// String returns the human-readable state name used in logs.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "Queued"
	case StateDownloading:
		return "Downloading"
	case StatePaused:
		return "Paused"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions are permitted from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Spec describes a download to be performed. Zero timeout fields fall back
// to the standard defaults (300 s overall, 30 s connect).
type Spec struct {
	URL                   string
	Destination           string
	RetryCount            int
	TimeoutSeconds        int
	ConnectTimeoutSeconds int
	Checksum              string // expected SHA-256, hex; empty disables verification
}

// Task is one unit of intended transfer. Fields set at construction are
// immutable; state, progress and the error message are updated concurrently
// by the executing worker and observed by the manager and the renderer.
type Task struct {
	ID uuid.UUID

	url                   string
	destination           string
	retryCount            int
	timeoutSeconds        int
	connectTimeoutSeconds int
	expectedChecksum      string

	state           atomic.Int32
	bytesDownloaded atomic.Int64
	totalBytes      atomic.Int64
	startTime       atomic.Int64 // unix nanos, set on the first Queued->Downloading transition

	errMu  sync.Mutex
	errMsg string

	// pauseNotify wakes WaitForPause when a pause transition lands.
	pauseNotify chan struct{}

	logger zerolog.Logger
}

// New creates a task in the Queued state.
func New(spec Spec, log *zerolog.Logger) *Task {
	if spec.TimeoutSeconds <= 0 {
		spec.TimeoutSeconds = 300
	}
	if spec.ConnectTimeoutSeconds <= 0 {
		spec.ConnectTimeoutSeconds = 30
	}

	t := &Task{
		ID:                    uuid.New(),
		url:                   spec.URL,
		destination:           spec.Destination,
		retryCount:            spec.RetryCount,
		timeoutSeconds:        spec.TimeoutSeconds,
		connectTimeoutSeconds: spec.ConnectTimeoutSeconds,
		expectedChecksum:      spec.Checksum,
		pauseNotify:           make(chan struct{}, 1),
	}
	t.logger = log.With().Str("taskId", t.ID.String()).Logger()
	t.state.Store(int32(StateQueued))

	t.logger.Info().Str("url", spec.URL).Str("destination", spec.Destination).Msg("created download task")
	return t
}

// Start transitions Queued -> Downloading and records the start time.
// Calling it in any other state is a no-op with a warning.
func (t *Task) Start() {
	if t.state.CompareAndSwap(int32(StateQueued), int32(StateDownloading)) {
		t.startTime.Store(time.Now().UnixNano())
		t.logger.Info().Str("url", t.url).Msg("download started")
		return
	}
	t.logger.Warn().Str("state", t.State().String()).Msg("cannot start download")
}

// Pause transitions Downloading -> Paused and signals pause confirmation.
func (t *Task) Pause() {
	if t.state.CompareAndSwap(int32(StateDownloading), int32(StatePaused)) {
		select {
		case t.pauseNotify <- struct{}{}:
		default:
		}
		t.logger.Info().Str("url", t.url).Msg("download paused")
		return
	}
	t.logger.Warn().Str("state", t.State().String()).Msg("cannot pause download")
}

// Resume transitions Paused -> Downloading.
func (t *Task) Resume() {
	if t.state.CompareAndSwap(int32(StatePaused), int32(StateDownloading)) {
		t.logger.Info().Str("url", t.url).Msg("download resumed")
		return
	}
	t.logger.Warn().Str("state", t.State().String()).Msg("cannot resume download")
}

// Cancel moves the task to Canceled from any non-terminal state. It retries
// the swap until it wins or observes a terminal state.
func (t *Task) Cancel() {
	for {
		cur := t.state.Load()
		if State(cur).Terminal() {
			t.logger.Warn().Str("state", State(cur).String()).Msg("cannot cancel download")
			return
		}
		if t.state.CompareAndSwap(cur, int32(StateCanceled)) {
			t.logger.Info().Str("url", t.url).Msg("download canceled")
			return
		}
	}
}

// MarkCompleted stores the Completed state. A task already in a terminal
// state stays there; the violation is logged.
func (t *Task) MarkCompleted() {
	for {
		cur := t.state.Load()
		if State(cur).Terminal() {
			t.logger.Warn().Str("state", State(cur).String()).Msg("cannot mark completed, task already terminal")
			return
		}
		if t.state.CompareAndSwap(cur, int32(StateCompleted)) {
			t.logger.Info().Str("url", t.url).Msg("download completed")
			return
		}
	}
}

// MarkFailed records the error message and stores the Failed state. The
// message is written before the state so any reader observing Failed will
// also read the message.
func (t *Task) MarkFailed(msg string) {
	t.errMu.Lock()
	t.errMsg = msg
	t.errMu.Unlock()
	for {
		cur := t.state.Load()
		if State(cur).Terminal() {
			t.logger.Warn().Str("state", State(cur).String()).Msg("cannot mark failed, task already terminal")
			return
		}
		if t.state.CompareAndSwap(cur, int32(StateFailed)) {
			t.logger.Error().Str("url", t.url).Str("error", msg).Msg("download failed")
			return
		}
	}
}

// UpdateProgress records the current byte counts.
func (t *Task) UpdateProgress(bytesDownloaded, totalBytes int64) {
	t.bytesDownloaded.Store(bytesDownloaded)
	t.totalBytes.Store(totalBytes)
}

// ShouldContinue reports whether an in-flight transfer should keep running.
// The transfer engine polls this from its progress callback; any state other
// than Downloading (pause, cancel) stops the transfer.
func (t *Task) ShouldContinue() bool {
	return t.State() == StateDownloading
}

// WaitForPause blocks until the task is observed Paused or the timeout
// elapses. Returns true if the pause was confirmed.
func (t *Task) WaitForPause(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		if t.State() == StatePaused {
			return true
		}
		select {
		case <-t.pauseNotify:
		case <-tick.C:
		case <-deadline.C:
			if t.State() == StatePaused {
				return true
			}
			t.logger.Warn().Str("url", t.url).Msg("pause confirmation timeout")
			return false
		}
	}
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// URL returns the source URL.
func (t *Task) URL() string { return t.url }

// Destination returns the local destination path.
func (t *Task) Destination() string { return t.destination }

// ErrorMessage returns the failure message; meaningful only in Failed.
func (t *Task) ErrorMessage() string {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.errMsg
}

// BytesDownloaded returns the bytes received so far.
func (t *Task) BytesDownloaded() int64 { return t.bytesDownloaded.Load() }

// TotalBytes returns the expected total, 0 when unknown.
func (t *Task) TotalBytes() int64 { return t.totalBytes.Load() }

// ProgressPercentage returns progress in [0,100], 0 when the total is unknown.
func (t *Task) ProgressPercentage() float64 {
	total := t.totalBytes.Load()
	if total == 0 {
		return 0
	}
	return float64(t.bytesDownloaded.Load()) / float64(total) * 100
}

// StartTime returns when the task first entered Downloading, or the zero
// time if it never started.
func (t *Task) StartTime() time.Time {
	ns := t.startTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ShouldVerifyChecksum reports whether a checksum was configured.
func (t *Task) ShouldVerifyChecksum() bool { return t.expectedChecksum != "" }

// ToParams produces a plain-value snapshot for the transfer engine.
func (t *Task) ToParams() transfer.Params {
	return transfer.Params{
		URL:                   t.url,
		Destination:           t.destination,
		RetryCount:            t.retryCount,
		TimeoutSeconds:        t.timeoutSeconds,
		ConnectTimeoutSeconds: t.connectTimeoutSeconds,
		ExpectedChecksum:      t.expectedChecksum,
		VerifyChecksum:        t.expectedChecksum != "",
	}
}
