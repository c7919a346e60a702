package system

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/gaspool/pkg/logger"
)

type scriptedService struct {
	name     string
	startErr error
	stopErr  error
	events   *[]string
}

func (s *scriptedService) Name() string { return s.name }

func (s *scriptedService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.events = append(*s.events, "start "+s.name)
	return nil
}

func (s *scriptedService) Stop(context.Context) error {
	*s.events = append(*s.events, "stop "+s.name)
	return s.stopErr
}

func TestRunnerStartsInOrderStopsInReverse(t *testing.T) {
	var events []string
	r := NewRunner(logger.NewDefault("runner-test"))
	r.Add(
		&scriptedService{name: "a", events: &events},
		&scriptedService{name: "b", events: &events},
		&scriptedService{name: "c", events: &events},
	)

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}
	r.StopAll(context.Background())

	want := []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestRunnerUnwindsOnStartFailure(t *testing.T) {
	var events []string
	boom := errors.New("port in use")
	r := NewRunner(logger.NewDefault("runner-test"))
	r.Add(
		&scriptedService{name: "a", events: &events},
		&scriptedService{name: "b", events: &events},
		&scriptedService{name: "c", startErr: boom, events: &events},
	)

	err := r.StartAll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected the start error, got %v", err)
	}

	want := []string{"start a", "start b", "stop b", "stop a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}

	// The failed unit never started, so a later StopAll has nothing
	// left to do.
	events = events[:0]
	r.StopAll(context.Background())
	if len(events) != 0 {
		t.Fatalf("stop after unwind produced %v", events)
	}
}

func TestRunnerStopErrorsDoNotShortCircuit(t *testing.T) {
	var events []string
	r := NewRunner(logger.NewDefault("runner-test"))
	r.Add(
		&scriptedService{name: "a", events: &events},
		&scriptedService{name: "b", stopErr: errors.New("stuck"), events: &events},
	)
	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}

	events = events[:0]
	r.StopAll(context.Background())
	want := []string{"stop b", "stop a"}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestPollerRunsImmediatelyAtStart(t *testing.T) {
	tick := make(chan struct{}, 1)
	// With an hour-long interval, any invocation observed here must be
	// the immediate one.
	p := NewPoller("test-poller", time.Hour, logger.NewDefault("poller-test"),
		func(ctx context.Context) {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	select {
	case <-tick:
	case <-time.After(time.Second):
		t.Fatal("poller did not run immediately at start")
	}
}

func TestPollerFiresOnIntervalAndStops(t *testing.T) {
	var mu sync.Mutex
	var calls int
	tick := make(chan struct{}, 16)
	p := NewPoller("test-poller", 10*time.Millisecond, logger.NewDefault("poller-test"),
		func(ctx context.Context) {
			mu.Lock()
			calls++
			mu.Unlock()
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-tick:
		case <-time.After(time.Second):
			t.Fatal("poller stopped firing")
		}
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	settled := calls
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := calls
	mu.Unlock()
	if after != settled {
		t.Fatalf("poller kept running after stop: %d -> %d calls", settled, after)
	}
}

func TestPollerRejectsNonPositiveInterval(t *testing.T) {
	p := NewPoller("bad", 0, logger.NewDefault("poller-test"), func(context.Context) {})
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("zero interval should not start")
	}
}

func TestPollerStopWithoutStart(t *testing.T) {
	p := NewPoller("idle", time.Second, logger.NewDefault("poller-test"), func(context.Context) {})
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
}
