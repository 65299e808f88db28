// Package supervisor spawns and babysits one external worker process per
// active stream.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamline/internal/domain"
)

// Per-stream worker states.
const (
	StateNotStarted = "not_started"
	StateStarting   = "starting"
	StateRunning    = "running"
	StateStalled    = "stalled"
	StateRecovering = "recovering"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// exhaustionPhrases in recent worker output mark a worker that can no longer
// make progress and needs a fresh context.
var exhaustionPhrases = []string{
	"context limit reached",
	"conversation too long",
	"maximum context length",
	"context_length_exceeded",
	"prompt is too long",
}

// logTailBytes bounds how much of the log the phrase scan reads.
const logTailBytes = 16 * 1024

// Store is the slice of the engine the supervisor needs: current stream
// progress, which is the authoritative resume point after a crash.
type Store interface {
	GetStream(ctx context.Context, streamID string) (domain.Stream, error)
}

type Options struct {
	Store               Store
	Command             string
	Args                []string
	PidDir              string
	LogDir              string
	StallTimeout        time.Duration
	MaxRecoveryAttempts int
	CheckInterval       time.Duration
	Logger              *log.Logger
	// Prompt builds the textual instruction handed to a worker. Attempt is
	// 0 for the first spawn.
	Prompt func(s domain.Stream, attempt int) string
	// WorkDir allocates the directory a stream's worker runs in. Nil means
	// the orchestrator's own working directory.
	WorkDir func(ctx context.Context, s domain.Stream) (string, error)
	// Liveness probes, overridable in tests.
	ProbeSignal func(pid int) bool
	ProbeTable  func(pid int) bool
}

type Supervisor struct {
	opts Options

	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	streamID string
	state    string
	pid      int
	cmd      *exec.Cmd
	run      int
	restarts int
	logPath  string
	lastErr  string

	lastCompleted  int
	lastProgressAt time.Time

	stopped bool
	done    chan struct{}
}

// WorkerStatus is a point-in-time snapshot for status reporting.
type WorkerStatus struct {
	StreamID  string `json:"stream_id"`
	State     string `json:"state"`
	PID       int    `json:"pid,omitempty"`
	Restarts  int    `json:"restarts"`
	LogPath   string `json:"log_path,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("supervisor: store is required")
	}
	if opts.Command == "" {
		return nil, fmt.Errorf("supervisor: worker command is required")
	}
	if opts.PidDir == "" || opts.LogDir == "" {
		return nil, fmt.Errorf("supervisor: pid and log dirs are required")
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 10 * time.Minute
	}
	if opts.MaxRecoveryAttempts == 0 {
		opts.MaxRecoveryAttempts = 3
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "supervisor ", log.LstdFlags)
	}
	if opts.Prompt == nil {
		opts.Prompt = defaultPrompt
	}
	if opts.ProbeSignal == nil {
		opts.ProbeSignal = probeSignal
	}
	if opts.ProbeTable == nil {
		opts.ProbeTable = probeTable
	}
	return &Supervisor{opts: opts, workers: map[string]*worker{}}, nil
}

func defaultPrompt(s domain.Stream, attempt int) string {
	b := &strings.Builder{}
	if attempt > 0 {
		fmt.Fprintf(b, "Resume stream %s. A previous worker stopped; the task store is authoritative.\n", s.ID)
	} else {
		fmt.Fprintf(b, "Work stream %s.\n", s.ID)
	}
	fmt.Fprintf(b, "%d of %d tasks are completed. Work the remaining tasks in order and mark each completed in the store.", s.CompletedTasks, s.TotalTasks)
	return b.String()
}

// Alive reports whether a pid is genuinely alive. The signal probe alone is
// not trusted: a zombie still answers it, so the process table has the final
// word.
func (s *Supervisor) Alive(pid int) bool {
	return s.opts.ProbeSignal(pid) && s.opts.ProbeTable(pid)
}

func (s *Supervisor) pidPath(streamID string) string {
	return filepath.Join(s.opts.PidDir, streamID+".pid")
}

func (s *Supervisor) readPidFile(streamID string) (int, bool) {
	data, err := os.ReadFile(s.pidPath(streamID))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// CleanStalePids removes marker files whose process is not actually alive.
// Called before any spawn so orphaned markers from a previous run cannot
// cause false "already running" rejections.
func (s *Supervisor) CleanStalePids() {
	entries, err := os.ReadDir(s.opts.PidDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		streamID := strings.TrimSuffix(entry.Name(), ".pid")
		pid, ok := s.readPidFile(streamID)
		if ok && s.Alive(pid) {
			continue
		}
		s.opts.Logger.Printf("removing stale pid marker for stream %s", streamID)
		_ = os.Remove(s.pidPath(streamID))
	}
}

// Running reports whether the supervisor considers the stream actively
// supervised (starting, running, or mid-recovery).
func (s *Supervisor) Running(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[streamID]
	if !ok {
		return false
	}
	switch w.state {
	case StateStarting, StateRunning, StateStalled, StateRecovering:
		return true
	}
	return false
}

// Failed reports whether the stream exhausted its recovery budget.
func (s *Supervisor) Failed(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[streamID]
	return ok && w.state == StateFailed
}

// Status snapshots every supervised stream.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		res = append(res, WorkerStatus{
			StreamID:  w.streamID,
			State:     w.state,
			PID:       w.pid,
			Restarts:  w.restarts,
			LogPath:   w.logPath,
			LastError: w.lastErr,
		})
	}
	return res
}

// Start launches a worker for the stream. Returns an error if a live worker
// already owns the stream.
func (s *Supervisor) Start(ctx context.Context, stream domain.Stream) error {
	s.CleanStalePids()

	s.mu.Lock()
	if w, ok := s.workers[stream.ID]; ok {
		switch w.state {
		case StateStarting, StateRunning, StateStalled, StateRecovering:
			s.mu.Unlock()
			return fmt.Errorf("stream %s already has a supervised worker", stream.ID)
		}
	}
	if pid, ok := s.readPidFile(stream.ID); ok && s.Alive(pid) {
		s.mu.Unlock()
		return fmt.Errorf("stream %s already running with pid %d", stream.ID, pid)
	}
	w := &worker{
		streamID:       stream.ID,
		state:          StateStarting,
		lastCompleted:  stream.CompletedTasks,
		lastProgressAt: time.Now(),
		done:           make(chan struct{}),
	}
	s.workers[stream.ID] = w
	s.mu.Unlock()

	if err := s.spawn(ctx, w, stream, 0); err != nil {
		s.mu.Lock()
		w.state = StateFailed
		w.lastErr = err.Error()
		s.mu.Unlock()
		return err
	}
	go s.monitor(ctx, w)
	return nil
}

// spawn starts the worker process, writes the pid marker, and arranges for
// the marker to be removed on every exit path.
func (s *Supervisor) spawn(ctx context.Context, w *worker, stream domain.Stream, attempt int) error {
	w.run++
	logPath := filepath.Join(s.opts.LogDir, fmt.Sprintf("%s_%d.log", stream.ID, w.run))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open worker log: %w", err)
	}

	args := append(append([]string(nil), s.opts.Args...), s.opts.Prompt(stream, attempt))
	cmd := exec.CommandContext(ctx, s.opts.Command, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if s.opts.WorkDir != nil {
		dir, err := s.opts.WorkDir(ctx, stream)
		if err != nil {
			logFile.Close()
			return fmt.Errorf("allocate work dir for stream %s: %w", stream.ID, err)
		}
		cmd.Dir = dir
	}
	configureWorkerProcess(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start worker for stream %s: %w", stream.ID, err)
	}
	pid := cmd.Process.Pid
	if err := os.WriteFile(s.pidPath(stream.ID), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		killProcessTree(pid)
		logFile.Close()
		return fmt.Errorf("write pid marker: %w", err)
	}

	s.mu.Lock()
	w.cmd = cmd
	w.pid = pid
	w.logPath = logPath
	w.state = StateRunning
	w.lastProgressAt = time.Now()
	s.mu.Unlock()

	s.opts.Logger.Printf("stream %s: worker pid %d started (run %d, log %s)", stream.ID, pid, w.run, logPath)

	go func() {
		_ = cmd.Wait()
		logFile.Close()
		// Marker removal is the exit guarantee, but only for this run's
		// marker: a recovery respawn may already have written a fresh one
		// for the new pid.
		if cur, ok := s.readPidFile(stream.ID); ok && cur == pid {
			_ = os.Remove(s.pidPath(stream.ID))
		}
	}()
	return nil
}

// monitor watches one worker until its stream completes, it fails past the
// recovery budget, or it is stopped.
func (s *Supervisor) monitor(ctx context.Context, w *worker) {
	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop(w.streamID)
			return
		case <-w.done:
			return
		case <-ticker.C:
		}

		stream, err := s.opts.Store.GetStream(ctx, w.streamID)
		if err == nil && stream.Complete() {
			s.finish(w, StateCompleted, "")
			return
		}

		s.mu.Lock()
		pid := w.pid
		stopped := w.stopped
		s.mu.Unlock()
		if stopped {
			return
		}

		switch {
		case !s.Alive(pid):
			s.opts.Logger.Printf("stream %s: worker pid %d died unexpectedly", w.streamID, pid)
			if !s.recover(ctx, w, stream, "worker crashed") {
				return
			}
		case s.stalled(w, stream):
			s.opts.Logger.Printf("stream %s: worker pid %d stalled", w.streamID, pid)
			s.setState(w, StateStalled)
			if !s.recover(ctx, w, stream, "worker stalled") {
				return
			}
		}
	}
}

// stalled checks both signals: no completed-task progress past the stall
// timeout, and exhaustion phrases in the recent log output.
func (s *Supervisor) stalled(w *worker, stream domain.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream.ID != "" && stream.CompletedTasks > w.lastCompleted {
		w.lastCompleted = stream.CompletedTasks
		w.lastProgressAt = time.Now()
		return false
	}
	if time.Since(w.lastProgressAt) > s.opts.StallTimeout {
		return true
	}
	return logTailMatches(w.logPath, exhaustionPhrases)
}

func logTailMatches(path string, phrases []string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false
	}
	offset := int64(0)
	if info.Size() > logTailBytes {
		offset = info.Size() - logTailBytes
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return false
	}
	tail := strings.ToLower(string(buf))
	for _, phrase := range phrases {
		if strings.Contains(tail, phrase) {
			return true
		}
	}
	return false
}

// recover kills whatever is left of the worker and respawns it with a fresh
// context built from current store state. Returns false when the stream is
// finished (failed) and monitoring should end.
func (s *Supervisor) recover(ctx context.Context, w *worker, stream domain.Stream, reason string) bool {
	s.mu.Lock()
	w.restarts++
	restarts := w.restarts
	pid := w.pid
	w.state = StateRecovering
	w.lastErr = reason
	s.mu.Unlock()

	killProcessTree(pid)
	_ = os.Remove(s.pidPath(w.streamID))

	if restarts > s.opts.MaxRecoveryAttempts {
		s.opts.Logger.Printf("stream %s: recovery budget (%d) exhausted: %s", w.streamID, s.opts.MaxRecoveryAttempts, reason)
		s.finish(w, StateFailed, reason)
		return false
	}

	fresh, err := s.opts.Store.GetStream(ctx, w.streamID)
	if err != nil {
		fresh = stream
		fresh.ID = w.streamID
	}
	s.opts.Logger.Printf("stream %s: restarting worker (attempt %d of %d): %s", w.streamID, restarts, s.opts.MaxRecoveryAttempts, reason)
	if err := s.spawn(ctx, w, fresh, restarts); err != nil {
		s.finish(w, StateFailed, err.Error())
		return false
	}
	return true
}

func (s *Supervisor) setState(w *worker, state string) {
	s.mu.Lock()
	w.state = state
	s.mu.Unlock()
}

func (s *Supervisor) finish(w *worker, state, lastErr string) {
	s.mu.Lock()
	alreadyDone := w.stopped
	w.stopped = true
	w.state = state
	if lastErr != "" {
		w.lastErr = lastErr
	}
	pid := w.pid
	s.mu.Unlock()
	if alreadyDone {
		return
	}
	killProcessTree(pid)
	_ = os.Remove(s.pidPath(w.streamID))
	close(w.done)
	s.opts.Logger.Printf("stream %s: worker finished (%s)", w.streamID, state)
}

// Stop terminates the stream's worker and releases its OS resources.
// Idempotent: stopping an already-stopped stream is a no-op.
func (s *Supervisor) Stop(streamID string) {
	s.mu.Lock()
	w, ok := s.workers[streamID]
	s.mu.Unlock()
	if !ok {
		// A marker without an in-memory worker can still hold a process.
		if pid, found := s.readPidFile(streamID); found {
			killProcessTree(pid)
			_ = os.Remove(s.pidPath(streamID))
		}
		return
	}
	state := StateNotStarted
	s.mu.Lock()
	if w.stopped {
		s.mu.Unlock()
		return
	}
	if w.state == StateCompleted || w.state == StateFailed {
		state = w.state
	}
	s.mu.Unlock()
	if state == StateCompleted || state == StateFailed {
		return
	}
	s.finish(w, StateNotStarted, "")
}

// StopAll stops every supervised worker.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(id)
	}
}
