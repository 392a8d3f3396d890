// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package process

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParam = errors.New("process: invalid parameter")
	ErrGateBusy     = errors.New("process: step gate not available")
	ErrStepFailed   = errors.New("process: step failed")
)

// StepError reports the step a table run stopped at.
type StepError struct {
	Index int
	Name  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
