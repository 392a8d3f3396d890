// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package process runs bring-up sequences as tables of steps.
//
// A step issues one request (usually an AT command) and then waits for the
// response parser to Report an outcome. Steps are retried a bounded number
// of times, whole tables are retried by RunProcess, and Drive loops a stage
// forever around its start, success and retry hooks.
package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/wapilink/pkg/osal"
)

// Retry bounds
const (
	StepAttempts   = 4
	ProcessRetries = 2
	StageFailLimit = 3
)

// Step is one entry of a step table.
type Step struct {
	Name string
	// Run issues the request. Its outcome arrives through Engine.Report.
	Run func(ctx context.Context) error
	// Complete, if set, is told how the step ended.
	Complete func(index int, err error)
	// Timeout bounds the wait for an outcome after each attempt.
	Timeout time.Duration
	// Interval is slept after a success and before retrying a failure.
	Interval time.Duration
}

// Config tunes an Engine. Zero values select the package defaults.
type Config struct {
	StepAttempts   int
	ProcessRetries int
	StageFailLimit int
	Logger         *logrus.Entry
}

func (c *Config) setDefaults() {
	if c.StepAttempts <= 0 {
		c.StepAttempts = StepAttempts
	}
	if c.ProcessRetries <= 0 {
		c.ProcessRetries = ProcessRetries
	}
	if c.StageFailLimit <= 0 {
		c.StageFailLimit = StageFailLimit
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "process")
	}
}

// Stats holds engine counters.
type Stats struct {
	StepAttempts    uint64
	StepFailures    uint64
	ProcessRuns     uint64
	ProcessFailures uint64
	StageSuccesses  uint64
	StageRetries    uint64
	StageFailures   uint64
}

// Engine executes step tables. All tables run by one engine share its step
// gate and outcome queue, so only one step is ever in flight.
type Engine struct {
	log       *logrus.Entry
	attempts  int
	retries   int
	failLimit int

	gate     *osal.Gate
	outcomes *osal.Queue[bool]

	mu    sync.Mutex
	stats Stats
}

// New creates an engine with its step gate available.
func New(cfg Config) *Engine {
	cfg.setDefaults()
	e := &Engine{
		log:       cfg.Logger,
		attempts:  cfg.StepAttempts,
		retries:   cfg.ProcessRetries,
		failLimit: cfg.StageFailLimit,
		gate:      osal.NewGate(),
		outcomes:  osal.NewQueue[bool](1),
	}
	e.gate.Give()
	return e
}

// Report posts the outcome of the step in flight. It never blocks and
// returns false when an outcome is already pending.
func (e *Engine) Report(ok bool) bool {
	return e.outcomes.TryPut(ok)
}

// Idle reports whether no step holds the step gate.
func (e *Engine) Idle() bool {
	return e.gate.Available()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) count(fn func(s *Stats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}

// RunTable runs steps in order. It returns a *StepError naming the step
// that could not take the gate or exhausted its attempts.
func (e *Engine) RunTable(ctx context.Context, steps []Step) error {
	if len(steps) == 0 {
		return ErrInvalidParam
	}
	for i := range steps {
		if steps[i].Run == nil {
			return fmt.Errorf("%w: step %d has no run function", ErrInvalidParam, i)
		}
	}

	for i := range steps {
		s := &steps[i]
		if !e.gate.TryTake() {
			e.log.WithField("step", s.Name).Error("Failed to acquire step gate")
			return e.abort(i, s, ErrGateBusy, false)
		}

		ok, err := e.runStep(ctx, i, s)
		if err != nil {
			return e.abort(i, s, err, true)
		}
		if !ok {
			e.log.WithFields(logrus.Fields{"step": s.Name, "attempts": e.attempts}).Error("Step failed after all attempts")
			return e.abort(i, s, ErrStepFailed, true)
		}

		if s.Complete != nil {
			s.Complete(i, nil)
		}
		err = osal.Delay(ctx, s.Interval)
		e.gate.Give()
		if err != nil {
			return err
		}
	}
	return nil
}

// runStep makes up to e.attempts attempts at s. The gate is held.
func (e *Engine) runStep(ctx context.Context, i int, s *Step) (bool, error) {
	for attempt := 0; attempt < e.attempts; attempt++ {
		e.outcomes.Drain()
		e.count(func(st *Stats) { st.StepAttempts++ })

		if err := s.Run(ctx); err != nil {
			e.log.WithError(err).WithField("step", s.Name).Warn("Step request failed")
		}

		ok, err := e.outcomes.Get(ctx, s.Timeout)
		switch {
		case errors.Is(err, osal.ErrTimeout):
			e.log.WithFields(logrus.Fields{"step": s.Name, "index": i, "attempt": attempt}).Warn("No outcome for step")
		case err != nil:
			return false, err
		case ok:
			return true, nil
		default:
			e.log.WithFields(logrus.Fields{"step": s.Name, "index": i, "attempt": attempt}).Warn("Step failed, retrying")
			if err := osal.Delay(ctx, s.Interval); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func (e *Engine) abort(i int, s *Step, cause error, held bool) error {
	e.count(func(st *Stats) { st.StepFailures++ })
	if s.Complete != nil {
		s.Complete(i, cause)
	}
	if held {
		e.gate.Give()
	}
	return &StepError{Index: i, Name: s.Name, Err: cause}
}

// RunProcess runs the table up to the configured number of times and
// returns the last error.
func (e *Engine) RunProcess(ctx context.Context, name string, steps []Step) error {
	var err error
	for attempt := 1; attempt <= e.retries; attempt++ {
		e.count(func(st *Stats) { st.ProcessRuns++ })
		err = e.RunTable(ctx, steps)
		if err == nil {
			e.log.WithFields(logrus.Fields{"process": name, "attempt": attempt}).Info("Process completed")
			return nil
		}
		e.count(func(st *Stats) { st.ProcessFailures++ })
		e.log.WithError(err).WithFields(logrus.Fields{
			"process": name,
			"attempt": fmt.Sprintf("%d/%d", attempt, e.retries),
		}).Error("Process failed")
		if ctx.Err() != nil || errors.Is(err, ErrInvalidParam) {
			return err
		}
	}
	return err
}
