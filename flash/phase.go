//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package flash

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/looplab/fsm"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
)

// Phase is the stage a flash transaction is in. A transaction halts the
// core, loads the algorithm, then invokes, polls and collects each unit of
// work in turn before restoring the core.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseHalt     Phase = "halt"
	PhaseLoad     Phase = "load"
	PhaseInvoke   Phase = "invoke"
	PhasePoll     Phase = "poll"
	PhaseCollect  Phase = "collect"
	PhaseTeardown Phase = "teardown"
	PhaseDone     Phase = "done"
)

const (
	evStart    = "start"
	evHalted   = "halted"
	evLoaded   = "loaded"
	evInvoked  = "invoked"
	evReturned = "returned"
	evNext     = "next"
	evFinished = "finished"
	evAbort    = "abort"
	evRestored = "restored"
)

func (p Phase) errPhase() probeerr.Phase {
	switch p {
	case PhaseHalt:
		return probeerr.PhaseFlashHalt
	case PhaseLoad:
		return probeerr.PhaseFlashLoad
	case PhaseInvoke:
		return probeerr.PhaseFlashInvoke
	case PhasePoll:
		return probeerr.PhaseFlashPoll
	case PhaseCollect:
		return probeerr.PhaseFlashCollect
	}
	return probeerr.PhaseFlashTeardown
}

func newPhaseMachine(onEnter func(from, to Phase)) *fsm.FSM {
	s := func(ps ...Phase) []string {
		res := make([]string, len(ps))
		for i, p := range ps {
			res[i] = string(p)
		}
		return res
	}
	return fsm.NewFSM(string(PhaseIdle), fsm.Events{
		{Name: evStart, Src: s(PhaseIdle), Dst: string(PhaseHalt)},
		{Name: evHalted, Src: s(PhaseHalt), Dst: string(PhaseLoad)},
		{Name: evLoaded, Src: s(PhaseLoad), Dst: string(PhaseInvoke)},
		{Name: evInvoked, Src: s(PhaseInvoke), Dst: string(PhasePoll)},
		{Name: evReturned, Src: s(PhasePoll), Dst: string(PhaseCollect)},
		{Name: evNext, Src: s(PhaseCollect), Dst: string(PhaseInvoke)},
		{Name: evFinished, Src: s(PhaseCollect), Dst: string(PhaseTeardown)},
		{Name: evAbort, Src: s(PhaseHalt, PhaseLoad, PhaseInvoke, PhasePoll, PhaseCollect), Dst: string(PhaseTeardown)},
		{Name: evRestored, Src: s(PhaseTeardown), Dst: string(PhaseDone)},
	}, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			onEnter(Phase(e.Src), Phase(e.Dst))
		},
	})
}

// observation is what a transaction saw while performing one phase.
type observation struct {
	// Err is the failure of the phase's own action.
	Err error

	Halted     bool
	PC         uint32
	Breakpoint uint32
	Elapsed    time.Duration
	Timeout    time.Duration

	// OK is the verdict on the value the routine returned in R0.
	OK   bool
	Code uint32
	// Verify marks a call of the Verify entry point, which returns the
	// first mismatching address.
	Verify bool
	// More is set if units remain after the current one.
	More bool

	Unit string
	Addr uint32
}

// decide maps the observation made in phase p to the next event. An empty
// event means the phase is not over yet (the routine is still running). A
// non-nil error is always paired with evAbort.
func decide(p Phase, o observation) (string, error) {
	if o.Err != nil {
		return evAbort, o.Err
	}
	switch p {
	case PhaseHalt:
		if !o.Halted {
			return evAbort, probeerr.New(probeerr.KindCoreNotHalted, "core is not halted")
		}
		return evHalted, nil
	case PhaseLoad:
		return evLoaded, nil
	case PhaseInvoke:
		return evInvoked, nil
	case PhasePoll:
		switch {
		case o.Halted && o.PC == o.Breakpoint:
			return evReturned, nil
		case o.Halted:
			return evAbort, probeerr.New(probeerr.KindFlashOperationFailed,
				"%s stopped at 0x%08x, not at the breakpoint", o.Unit, o.PC).At(o.Addr)
		case o.Elapsed >= o.Timeout:
			return evAbort, probeerr.New(probeerr.KindTimeout,
				"%s did not return within %s", o.Unit, o.Timeout).At(o.Addr)
		}
		return "", nil
	case PhaseCollect:
		if !o.OK && o.Verify {
			return evAbort, probeerr.New(probeerr.KindVerificationFailed, "%s: contents differ", o.Unit).At(o.Code)
		}
		if !o.OK {
			return evAbort, probeerr.New(probeerr.KindFlashOperationFailed, "%s failed", o.Unit).At(o.Addr).WithCode(o.Code)
		}
		if o.More {
			return evNext, nil
		}
		return evFinished, nil
	case PhaseTeardown:
		return evRestored, nil
	}
	return "", errors.Errorf("no transition out of %s", p)
}
