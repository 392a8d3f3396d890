// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package process

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Stage is one stage of a bring-up pipeline.
type Stage struct {
	Name  string
	Steps []Step
	// Start runs before every pass and blocks until the stage may run.
	Start func(ctx context.Context) error
	// Success runs after a pass succeeded.
	Success func()
	// Retry runs after a failed pass while the failure limit is not reached.
	Retry func()
}

// Callbacks notify the enclosing system of stage results.
type Callbacks struct {
	OnSuccess func()
	OnError   func()
}

// Drive runs st over and over until ctx ends. A pass that fails
// StageFailLimit times in a row is reported through OnError and the
// failure count starts over.
func (e *Engine) Drive(ctx context.Context, st Stage, cb Callbacks) error {
	log := e.log.WithField("stage", st.Name)
	fails := 0
	for {
		if st.Start != nil {
			if err := st.Start(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := e.RunProcess(ctx, st.Name, st.Steps)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		switch {
		case err == nil:
			fails = 0
			e.count(func(s *Stats) { s.StageSuccesses++ })
			log.Info("Stage succeeded")
			if cb.OnSuccess != nil {
				cb.OnSuccess()
			}
			if st.Success != nil {
				st.Success()
			}
		case fails < e.failLimit:
			fails++
			e.count(func(s *Stats) { s.StageRetries++ })
			log.WithFields(logrus.Fields{"retry": fails, "limit": e.failLimit}).Warn("Stage failed, retrying")
			if st.Retry != nil {
				st.Retry()
			} else if st.Start != nil {
				if err := st.Start(ctx); err != nil {
					return err
				}
			}
		default:
			fails = 0
			e.count(func(s *Stats) { s.StageFailures++ })
			log.WithField("attempts", e.failLimit).Error("Stage failed permanently")
			if cb.OnError != nil {
				cb.OnError()
			}
		}
	}
}
