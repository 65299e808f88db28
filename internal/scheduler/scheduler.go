// Package scheduler runs the control loop that starts streams once their
// dependencies are satisfied.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"streamline/internal/domain"
	"streamline/internal/events"
	"streamline/internal/graph"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultMaxConcurrent = 5
)

// Store is the slice of the engine the scheduler reads.
type Store interface {
	ListStreams(ctx context.Context, initiativeID string) ([]domain.Stream, error)
}

// Workers is the supervisor surface the scheduler drives.
type Workers interface {
	Start(ctx context.Context, stream domain.Stream) error
	Running(streamID string) bool
	Failed(streamID string) bool
	CleanStalePids()
	StopAll()
}

// DeadlockError ends a run that can make no progress: nothing running,
// nothing ready, work remaining. The grapher already rejects cycles, so this
// only arises from data corrupted outside the scheduler.
type DeadlockError struct {
	Remaining []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("scheduler deadlock: no stream running or ready, remaining: %s", strings.Join(e.Remaining, ", "))
}

type Scheduler struct {
	Store         Store
	Workers       Workers
	InitiativeID  string
	Interval      time.Duration
	MaxConcurrent int
	Logger        *log.Logger

	notify chan struct{}
}

func New(store Store, workers Workers, initiativeID string) *Scheduler {
	return &Scheduler{
		Store:         store,
		Workers:       workers,
		InitiativeID:  initiativeID,
		Interval:      DefaultInterval,
		MaxConcurrent: DefaultMaxConcurrent,
		Logger:        log.New(os.Stderr, "scheduler ", log.LstdFlags),
		notify:        make(chan struct{}, 1),
	}
}

// Notify asks the scheduler to re-evaluate immediately instead of waiting
// for the next poll. Non-blocking; the poll loop remains the backstop.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// WatchBus forwards stream completion events into Notify so downstream
// streams start without waiting out the poll interval.
func (s *Scheduler) WatchBus(ctx context.Context, bus *events.Bus) error {
	sub, err := bus.Subscribe(64)
	if err != nil {
		return err
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				if e.EntityKind == events.KindStream && e.Type == events.TypeCompleted {
					s.Notify()
				}
			}
		}
	}()
	return nil
}

// Run drives the loop until every stream is complete, the configuration is
// found invalid, or the context is canceled. Configuration problems (cycle,
// dangling reference, missing foundation stream) abort before any worker is
// spawned.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = DefaultMaxConcurrent
	}

	streams, err := s.Store.ListStreams(ctx, s.InitiativeID)
	if err != nil {
		return err
	}
	if len(streams) == 0 {
		return fmt.Errorf("no streams to schedule")
	}
	depths, err := graph.Validate(streams)
	if err != nil {
		return err
	}
	s.Logger.Printf("scheduling %d streams across %d depth levels", len(streams), maxDepth(depths)+1)

	s.Workers.CleanStalePids()
	defer s.Workers.StopAll()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		done, idle, err := s.evaluate(ctx)
		if err != nil {
			return err
		}
		if done {
			s.Logger.Printf("all streams complete")
			return nil
		}
		if idle {
			if idleSince.IsZero() {
				idleSince = time.Now()
			} else if time.Since(idleSince) >= s.Interval {
				streams, _ := s.Store.ListStreams(ctx, s.InitiativeID)
				return &DeadlockError{Remaining: incompleteIDs(streams)}
			}
		} else {
			idleSince = time.Time{}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.notify:
		}
	}
}

// evaluate performs one scheduling pass: re-derive the graph, compute the
// ready set, and start ready streams up to the concurrency ceiling.
func (s *Scheduler) evaluate(ctx context.Context) (done, idle bool, err error) {
	streams, err := s.Store.ListStreams(ctx, s.InitiativeID)
	if err != nil {
		return false, false, err
	}
	depths, err := graph.Validate(streams)
	if err != nil {
		return false, false, err
	}

	complete := map[string]bool{}
	allComplete := true
	for _, st := range streams {
		complete[st.ID] = st.Complete()
		if !st.Complete() {
			allComplete = false
		}
	}
	if allComplete {
		return true, false, nil
	}

	running := 0
	for _, st := range streams {
		if s.Workers.Running(st.ID) {
			running++
		}
	}

	var ready []domain.Stream
	for _, st := range streams {
		if st.Complete() || s.Workers.Running(st.ID) || s.Workers.Failed(st.ID) {
			continue
		}
		ok := true
		for _, dep := range st.Dependencies {
			if !complete[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, st)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if depths[ready[i].ID] != depths[ready[j].ID] {
			return depths[ready[i].ID] < depths[ready[j].ID]
		}
		return ready[i].ID < ready[j].ID
	})

	if running == 0 && len(ready) == 0 {
		return false, true, nil
	}

	for _, st := range ready {
		if running >= s.MaxConcurrent {
			s.Logger.Printf("concurrency ceiling %d reached, deferring %s", s.MaxConcurrent, st.ID)
			break
		}
		st.DependencyDepth = depths[st.ID]
		s.Logger.Printf("starting stream %s (depth %d, %d/%d tasks done)", st.ID, st.DependencyDepth, st.CompletedTasks, st.TotalTasks)
		if err := s.Workers.Start(ctx, st); err != nil {
			s.Logger.Printf("start stream %s: %v", st.ID, err)
			continue
		}
		running++
	}
	return false, false, nil
}

func incompleteIDs(streams []domain.Stream) []string {
	var ids []string
	for _, st := range streams {
		if !st.Complete() {
			ids = append(ids, st.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func maxDepth(depths map[string]int) int {
	max := 0
	for _, d := range depths {
		if d > max {
			max = d
		}
	}
	return max
}
