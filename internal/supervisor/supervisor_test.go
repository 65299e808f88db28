package supervisor_test

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"streamline/internal/domain"
	"streamline/internal/supervisor"
)

type fakeStore struct {
	mu     sync.Mutex
	stream domain.Stream
}

func (f *fakeStore) GetStream(ctx context.Context, streamID string) (domain.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream, nil
}

func (f *fakeStore) set(s domain.Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stream = s
}

func newSupervisor(t *testing.T, store supervisor.Store, mutate func(*supervisor.Options)) *supervisor.Supervisor {
	t.Helper()
	dir := t.TempDir()
	pidDir := filepath.Join(dir, "pids")
	logDir := filepath.Join(dir, "logs")
	for _, d := range []string{pidDir, logDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	opts := supervisor.Options{
		Store:               store,
		Command:             "sleep",
		PidDir:              pidDir,
		LogDir:              logDir,
		StallTimeout:        time.Hour,
		MaxRecoveryAttempts: 2,
		CheckInterval:       20 * time.Millisecond,
		Logger:              log.New(io.Discard, "", 0),
		Prompt:              func(domain.Stream, int) string { return "30" },
	}
	if mutate != nil {
		mutate(&opts)
	}
	sup, err := supervisor.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sup.StopAll)
	return sup
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestZombieDetection(t *testing.T) {
	store := &fakeStore{stream: domain.Stream{ID: "S", TotalTasks: 2}}
	sup := newSupervisor(t, store, func(o *supervisor.Options) {
		o.ProbeSignal = func(int) bool { return true }
		o.ProbeTable = func(int) bool { return false }
	})
	// pid answers signal 0 but has no process-table entry: dead
	if sup.Alive(12345) {
		t.Fatalf("zombie treated as alive")
	}
}

func TestCleanStalePids(t *testing.T) {
	store := &fakeStore{stream: domain.Stream{ID: "S", TotalTasks: 2}}
	var pidDir string
	sup := newSupervisor(t, store, func(o *supervisor.Options) {
		pidDir = o.PidDir
		o.ProbeSignal = func(int) bool { return false }
	})
	marker := filepath.Join(pidDir, "Stream-A.pid")
	if err := os.WriteFile(marker, []byte("424242"), 0o644); err != nil {
		t.Fatal(err)
	}
	sup.CleanStalePids()
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("stale marker not removed")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	store := &fakeStore{stream: domain.Stream{ID: "Stream-A", TotalTasks: 2}}
	var pidDir string
	sup := newSupervisor(t, store, func(o *supervisor.Options) { pidDir = o.PidDir })

	if err := sup.Start(context.Background(), store.stream); err != nil {
		t.Fatal(err)
	}
	if !sup.Running("Stream-A") {
		t.Fatalf("expected stream running")
	}
	marker := filepath.Join(pidDir, "Stream-A.pid")
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("pid marker missing: %v", err)
	}
	// double start rejected while alive
	if err := sup.Start(context.Background(), store.stream); err == nil {
		t.Fatalf("expected already-running error")
	}

	sup.Stop("Stream-A")
	if sup.Running("Stream-A") {
		t.Fatalf("expected stream stopped")
	}
	waitFor(t, "marker removal", func() bool {
		_, err := os.Stat(marker)
		return os.IsNotExist(err)
	})
	// stop is idempotent
	sup.Stop("Stream-A")
}

func TestCompletionObservedFromStore(t *testing.T) {
	store := &fakeStore{stream: domain.Stream{ID: "Stream-A", TotalTasks: 2}}
	sup := newSupervisor(t, store, nil)
	if err := sup.Start(context.Background(), store.stream); err != nil {
		t.Fatal(err)
	}
	store.set(domain.Stream{ID: "Stream-A", TotalTasks: 2, CompletedTasks: 2})
	waitFor(t, "completion", func() bool { return !sup.Running("Stream-A") && !sup.Failed("Stream-A") })
}

func TestCrashRecoveryBoundedThenFailed(t *testing.T) {
	store := &fakeStore{stream: domain.Stream{ID: "Stream-A", TotalTasks: 2}}
	sup := newSupervisor(t, store, func(o *supervisor.Options) {
		// worker exits immediately, looking like a crash every time
		o.Command = "true"
		o.Prompt = func(domain.Stream, int) string { return "" }
		o.MaxRecoveryAttempts = 2
	})
	if err := sup.Start(context.Background(), store.stream); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failed state", func() bool { return sup.Failed("Stream-A") })

	restarts := 0
	for _, st := range sup.Status() {
		if st.StreamID == "Stream-A" {
			restarts = st.Restarts
		}
	}
	if restarts != 3 {
		t.Fatalf("expected budget exceeded at 3 restarts, got %d", restarts)
	}
	// failed streams are not restarted again
	time.Sleep(100 * time.Millisecond)
	if !sup.Failed("Stream-A") {
		t.Fatalf("failed stream restarted")
	}
}

func TestExhaustionPhraseTriggersRecovery(t *testing.T) {
	store := &fakeStore{stream: domain.Stream{ID: "Stream-A", TotalTasks: 2}}
	sup := newSupervisor(t, store, func(o *supervisor.Options) {
		o.Command = "sh"
		o.Args = []string{"-c"}
		o.Prompt = func(domain.Stream, int) string {
			return `echo "error: context limit reached"; sleep 30`
		}
		o.MaxRecoveryAttempts = 1
	})
	if err := sup.Start(context.Background(), store.stream); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failed after repeated exhaustion", func() bool { return sup.Failed("Stream-A") })
}

func TestWorkerRunsInAllocatedDir(t *testing.T) {
	store := &fakeStore{stream: domain.Stream{ID: "Stream-A", TotalTasks: 2}}
	workDir := t.TempDir()
	sup := newSupervisor(t, store, func(o *supervisor.Options) {
		o.Command = "sh"
		o.Args = []string{"-c"}
		o.Prompt = func(domain.Stream, int) string { return "touch started && sleep 30" }
		o.WorkDir = func(ctx context.Context, s domain.Stream) (string, error) {
			return workDir, nil
		}
	})
	if err := sup.Start(context.Background(), store.stream); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "worker output in allocated dir", func() bool {
		_, err := os.Stat(filepath.Join(workDir, "started"))
		return err == nil
	})
}

func TestRecoveryKeepsFreshPidMarker(t *testing.T) {
	store := &fakeStore{stream: domain.Stream{ID: "Stream-A", TotalTasks: 2}}
	var pidDir string
	sup := newSupervisor(t, store, func(o *supervisor.Options) {
		pidDir = o.PidDir
		o.Command = "sh"
		o.Args = []string{"-c"}
		o.Prompt = func(_ domain.Stream, attempt int) string {
			if attempt == 0 {
				return "exit 0"
			}
			return "sleep 30"
		}
	})
	if err := sup.Start(context.Background(), store.stream); err != nil {
		t.Fatal(err)
	}
	recovered := func() (int, bool) {
		for _, st := range sup.Status() {
			if st.StreamID == "Stream-A" && st.Restarts >= 1 && st.State == supervisor.StateRunning {
				return st.PID, true
			}
		}
		return 0, false
	}
	waitFor(t, "recovered worker", func() bool { _, ok := recovered(); return ok })
	pid, _ := recovered()

	// The crashed run's exit cleanup must not take the fresh marker with it.
	time.Sleep(100 * time.Millisecond)
	data, err := os.ReadFile(filepath.Join(pidDir, "Stream-A.pid"))
	if err != nil {
		t.Fatalf("pid marker missing after recovery: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(pid) {
		t.Fatalf("marker holds pid %s, want %d", got, pid)
	}
}
