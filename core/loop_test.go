package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStore is a minimal in-memory AttemptStore for exercising Loop.Run
// without a database.
type fakeStore struct {
	mu          sync.Mutex
	pending     []*Attempt
	registered  bool
	unregistered bool
	heartbeats  int
	results     map[int64]string
	updates     map[int64]ResultUpdate
	testInfo    []recordedTestInfo
}

// recordedTestInfo captures one RecordTestInfo call for assertions in
// school-scoring tests.
type recordedTestInfo struct {
	attemptID      int64
	testNumber     int
	verdictLabel   string
	usedTimeS      float64
	usedMemoryKB   float64
	checkerComment string
}

func newFakeStore(attempts ...*Attempt) *fakeStore {
	return &fakeStore{
		pending: attempts,
		results: make(map[int64]string),
		updates: make(map[int64]ResultUpdate),
	}
}

func (s *fakeStore) RegisterWorker(ctx context.Context) (int64, error) {
	s.registered = true
	return 1, nil
}

func (s *fakeStore) Heartbeat(ctx context.Context, heartbeatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *fakeStore) Unregister(ctx context.Context, heartbeatID int64) error {
	s.unregistered = true
	return nil
}

func (s *fakeStore) ClaimNext(ctx context.Context, testerName, initialResult string, allowedCompilers, allowedRunners []string) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	a := s.pending[0]
	s.pending = s.pending[1:]
	return a, nil
}

func (s *fakeStore) UpdateResult(ctx context.Context, attemptID int64, result string, update ResultUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[attemptID] = result
	s.updates[attemptID] = update
	return nil
}

func (s *fakeStore) RecordTestInfo(ctx context.Context, attemptID int64, testNumber int, verdictLabel string, usedTimeS, usedMemoryKB float64, checkerComment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testInfo = append(s.testInfo, recordedTestInfo{
		attemptID:      attemptID,
		testNumber:     testNumber,
		verdictLabel:   verdictLabel,
		usedTimeS:      usedTimeS,
		usedMemoryKB:   usedMemoryKB,
		checkerComment: checkerComment,
	})
	return nil
}

// failingClaimStore returns an error from ClaimNext on every call, to
// exercise the Fatal-propagation path of Loop.Run.
type failingClaimStore struct{ fakeStore }

func (s *failingClaimStore) ClaimNext(ctx context.Context, testerName, initialResult string, allowedCompilers, allowedRunners []string) (*Attempt, error) {
	return nil, errors.New("connection reset")
}

func TestLoopRunStopsOnShutdownWhenQueueEmpty(t *testing.T) {
	store := newFakeStore()
	lifecycle := NewLifecycle()
	loop := &Loop{
		Store:     store,
		Pipeline:  &Pipeline{Store: store},
		Lifecycle: lifecycle,
		Interval:  time.Hour,
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		lifecycle.RequestShutdown()
	}()

	restart, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restart {
		t.Fatal("expected restart=false on shutdown")
	}
	if !store.registered || !store.unregistered {
		t.Error("expected RegisterWorker and Unregister to both have been called")
	}
}

func TestLoopRunReportsRestart(t *testing.T) {
	store := newFakeStore()
	lifecycle := NewLifecycle()
	loop := &Loop{
		Store:     store,
		Pipeline:  &Pipeline{Store: store},
		Lifecycle: lifecycle,
		Interval:  time.Hour,
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		lifecycle.RequestRestart()
	}()

	restart, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !restart {
		t.Fatal("expected restart=true when RequestRestart fires")
	}
}

func TestLoopRunPropagatesClaimError(t *testing.T) {
	store := &failingClaimStore{}
	lifecycle := NewLifecycle()
	loop := &Loop{
		Store:     store,
		Pipeline:  &Pipeline{Store: store},
		Lifecycle: lifecycle,
		Interval:  time.Hour,
	}

	_, err := loop.Run(context.Background())
	if err == nil {
		t.Fatal("expected ClaimNext's error to propagate out of Run")
	}
}

func TestLoopRunStopsOnContextCancellation(t *testing.T) {
	store := newFakeStore()
	lifecycle := NewLifecycle()
	loop := &Loop{
		Store:     store,
		Pipeline:  &Pipeline{Store: store},
		Lifecycle: lifecycle,
		Interval:  time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	restart, err := loop.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restart {
		t.Fatal("expected restart=false on context cancellation")
	}
}
