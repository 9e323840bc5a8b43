// Package manager orchestrates downloads: it owns the task registry, caps
// the number of in-flight transfers, dispatches queued tasks to the worker
// pool and exposes pause/resume and wait-for-completion across all tasks.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/downpour/downpour/internal/pool"
	"github.com/downpour/downpour/internal/task"
	"github.com/downpour/downpour/internal/transfer"
)

// pauseConfirmTimeout bounds how long PauseDownload waits for the worker to
// acknowledge a pause.
const pauseConfirmTimeout = 5 * time.Second

// Manager owns a set of download tasks and drives them through the transfer
// engine with bounded concurrency.
type Manager struct {
	maxConcurrent int
	pool          *pool.Pool
	engine        *transfer.Engine
	logger        zerolog.Logger
	taskLog       *zerolog.Logger

	mu    sync.Mutex // guards tasks and backs the completion condition
	cond  *sync.Cond // signaled whenever a work item finishes
	tasks []*task.Task

	active    atomic.Int64 // work items currently executing
	completed atomic.Int64 // terminal transitions (Completed, Failed, Canceled)
	running   atomic.Bool
}

// New creates a manager running at most maxConcurrent transfers at once.
func New(maxConcurrent int, log *zerolog.Logger) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	m := &Manager{
		maxConcurrent: maxConcurrent,
		pool:          pool.New(maxConcurrent, log),
		engine:        transfer.NewEngine(log),
		logger:        log.With().Str("component", "manager").Logger(),
		taskLog:       log,
	}
	m.cond = sync.NewCond(&m.mu)

	m.logger.Info().Int("maxConcurrent", maxConcurrent).Msg("created download manager")
	return m
}

// SetTransport swaps the HTTP transport; used by tests.
func (m *Manager) SetTransport(t transfer.Transport) {
	m.engine = transfer.NewEngineWithTransport(t, m.taskLog)
}

// AddDownload registers a new task in the Queued state and returns it. Safe
// to call before or after Start.
func (m *Manager) AddDownload(spec task.Spec) *task.Task {
	t := task.New(spec, m.taskLog)

	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()

	m.logger.Info().Str("url", spec.URL).Str("destination", spec.Destination).Msg("added download")
	if m.running.Load() {
		m.dispatchNext()
	}
	return t
}

// Start begins processing the queue, launching up to maxConcurrent
// transfers immediately.
func (m *Manager) Start() {
	m.running.Store(true)
	m.logger.Info().Msg("starting download manager")

	for i := 0; i < m.maxConcurrent; i++ {
		m.dispatchNext()
	}
}

// dispatchNext submits the first queued task to the pool if capacity allows.
// The task is started under the registry lock, so two dispatches never pick
// the same task.
func (m *Manager) dispatchNext() {
	var next *task.Task
	m.mu.Lock()
	if m.active.Load() >= int64(m.maxConcurrent) {
		m.mu.Unlock()
		return
	}
	for _, t := range m.tasks {
		if t.State() == task.StateQueued {
			next = t
			break
		}
	}
	if next == nil {
		m.mu.Unlock()
		return
	}
	next.Start()
	m.active.Add(1)
	m.mu.Unlock()

	if _, err := m.pool.Submit(func() error {
		m.runTask(next)
		return nil
	}); err != nil {
		m.active.Add(-1)
		m.logger.Warn().Err(err).Str("url", next.URL()).Msg("failed to submit download")
	}
}

// runTask is the work item body: it drives the transfer engine for one task
// and writes the terminal state back.
func (m *Manager) runTask(t *task.Task) {
	m.logger.Info().Str("url", t.URL()).Msg("download worker started")

	outcome, err := m.engine.Run(context.Background(), t.ToParams(), transfer.Hooks{
		ShouldContinue: t.ShouldContinue,
		OnProgress:     t.UpdateProgress,
	})

	switch {
	case err == nil && outcome == transfer.OutcomeCompleted:
		t.MarkCompleted()
	case err == nil && outcome == transfer.OutcomePaused:
		// The task state already says Paused or Canceled; nothing to store.
		m.logger.Info().Str("url", t.URL()).Str("state", t.State().String()).
			Msg("transfer stopped cooperatively")
	default:
		if !t.State().Terminal() {
			t.MarkFailed(err.Error())
		} else {
			m.logger.Warn().Str("url", t.URL()).Err(err).Str("state", t.State().String()).
				Msg("transfer failed after task reached a terminal state")
		}
	}

	m.active.Add(-1)
	if t.State() != task.StatePaused {
		m.completed.Add(1)
		if m.running.Load() {
			m.dispatchNext()
		}
	}

	m.logger.Info().Str("url", t.URL()).Str("state", t.State().String()).
		Msg("download worker finished")

	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
}

// findTask returns the first task matching url in insertion order, or nil.
// With duplicate URLs the first match wins; pause therefore acts on the
// oldest task for that URL and resume on the oldest paused one.
func (m *Manager) findTask(url string, want func(*task.Task) bool) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.URL() == url && (want == nil || want(t)) {
			return t
		}
	}
	return nil
}

// PauseDownload pauses the first task matching url and waits up to five
// seconds for the worker to confirm.
func (m *Manager) PauseDownload(url string) {
	t := m.findTask(url, nil)
	if t == nil {
		m.logger.Warn().Str("url", url).Msg("cannot pause, task not found")
		return
	}

	t.Pause()
	if !t.WaitForPause(pauseConfirmTimeout) {
		m.logger.Error().Str("url", url).Msg("pause confirmation timed out")
	}
}

// ResumeDownload resumes the first paused task matching url and, if
// capacity allows, submits a fresh work item. The partial file on disk is
// the resume point.
func (m *Manager) ResumeDownload(url string) {
	t := m.findTask(url, func(t *task.Task) bool { return t.State() == task.StatePaused })
	if t == nil {
		m.logger.Warn().Str("url", url).Msg("cannot resume, task not found or not paused")
		return
	}
	m.resumeTask(t)
}

func (m *Manager) resumeTask(t *task.Task) {
	t.Resume()

	if m.active.Load() >= int64(m.maxConcurrent) {
		return
	}
	m.active.Add(1)
	if _, err := m.pool.Submit(func() error {
		m.runTask(t)
		return nil
	}); err != nil {
		m.active.Add(-1)
		m.logger.Warn().Err(err).Str("url", t.URL()).Msg("failed to submit resumed download")
	}
}

// PauseAll pauses every downloading task and waits for each confirmation.
func (m *Manager) PauseAll() {
	var active []*task.Task
	m.mu.Lock()
	for _, t := range m.tasks {
		if t.State() == task.StateDownloading {
			active = append(active, t)
		}
	}
	m.mu.Unlock()

	m.logger.Info().Int("count", len(active)).Msg("pausing downloads")
	for _, t := range active {
		t.Pause()
	}
	for _, t := range active {
		t.WaitForPause(pauseConfirmTimeout)
	}
}

// ResumeAll resumes every paused task.
func (m *Manager) ResumeAll() {
	var paused []*task.Task
	m.mu.Lock()
	for _, t := range m.tasks {
		if t.State() == task.StatePaused {
			paused = append(paused, t)
		}
	}
	m.mu.Unlock()

	m.logger.Info().Int("count", len(paused)).Msg("resuming downloads")
	for _, t := range paused {
		m.resumeTask(t)
	}
}

// WaitForCompletion blocks until no task is Queued or Downloading. Paused
// tasks count as settled; callers that want full drainage must resume them
// first.
func (m *Manager) WaitForCompletion() {
	m.logger.Info().Msg("waiting for downloads to complete")

	m.mu.Lock()
	for !m.allSettledLocked() {
		m.cond.Wait()
	}
	m.mu.Unlock()

	m.running.Store(false)
	m.logger.Info().Msg("all downloads settled")
}

func (m *Manager) allSettledLocked() bool {
	for _, t := range m.tasks {
		s := t.State()
		if s == task.StateQueued || s == task.StateDownloading {
			return false
		}
	}
	return true
}

// Close waits for completion and shuts down the worker pool.
func (m *Manager) Close() {
	m.WaitForCompletion()
	m.pool.Close()
}

// ActiveCount returns the number of work items currently executing.
func (m *Manager) ActiveCount() int { return int(m.active.Load()) }

// CompletedCount returns the number of terminal transitions observed.
func (m *Manager) CompletedCount() int { return int(m.completed.Load()) }

// QueuedCount returns the number of tasks still waiting to run.
func (m *Manager) QueuedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.State() == task.StateQueued {
			n++
		}
	}
	return n
}

// TotalCount returns the number of registered tasks.
func (m *Manager) TotalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Task returns the i-th task in insertion order, or nil.
func (m *Manager) Task(i int) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.tasks) {
		return nil
	}
	return m.tasks[i]
}
