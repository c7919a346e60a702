// Package system runs the station's background services with ordered
// startup and reverse-order shutdown.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/gaspool/pkg/logger"
)

// Service is a long-running component with explicit lifecycle.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runner owns a set of services and manages their lifecycle as a unit.
type Runner struct {
	log      *logger.Logger
	mu       sync.Mutex
	services []Service
	started  []Service
}

func NewRunner(log *logger.Logger) *Runner {
	return &Runner{log: log}
}

// Add registers services in start order.
func (r *Runner) Add(svcs ...Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, svcs...)
}

// StartAll starts every service in registration order. On failure the
// already-started services are stopped in reverse before returning.
func (r *Runner) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.services {
		if err := s.Start(ctx); err != nil {
			r.log.WithError(err).Errorf("service %s failed to start", s.Name())
			r.stopStartedLocked(ctx)
			return fmt.Errorf("start %s: %w", s.Name(), err)
		}
		r.log.Infof("service %s started", s.Name())
		r.started = append(r.started, s)
	}
	return nil
}

// StopAll stops started services in reverse order. Stop errors are
// logged, not returned, so every service gets its chance to shut down.
func (r *Runner) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopStartedLocked(ctx)
}

func (r *Runner) stopStartedLocked(ctx context.Context) {
	for i := len(r.started) - 1; i >= 0; i-- {
		s := r.started[i]
		if err := s.Stop(ctx); err != nil {
			r.log.WithError(err).Warnf("service %s did not stop cleanly", s.Name())
			continue
		}
		r.log.Infof("service %s stopped", s.Name())
	}
	r.started = nil
}

// Poller is a Service that invokes fn on a fixed interval, with one
// immediate invocation at start.
type Poller struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	log      *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(name string, interval time.Duration, log *logger.Logger, fn func(ctx context.Context)) *Poller {
	return &Poller{name: name, interval: interval, fn: fn, log: log}
}

func (p *Poller) Name() string { return p.name }

func (p *Poller) Start(ctx context.Context) error {
	if p.interval <= 0 {
		return fmt.Errorf("poller %s: interval must be positive", p.name)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.fn(runCtx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.fn(runCtx)
			}
		}
	}()
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poller %s: %w", p.name, ctx.Err())
	}
}
