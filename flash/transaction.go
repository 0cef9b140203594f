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
	"bytes"
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/looplab/fsm"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/cortex"
)

const xpsrThumb = 0x01000000

// unit is one call of an algorithm entry point.
type unit struct {
	name    string
	entry   uint32
	args    []uint32
	addr    uint32
	timeout time.Duration
	// prepare runs before the registers are set up, e.g. to fill the page
	// buffer.
	prepare func(ctx context.Context) error
	// ok judges the value returned in R0. Nil means R0 must be zero.
	ok     func(r0 uint32) bool
	verify bool
	// done is called once the unit completed successfully.
	done func()
}

// transaction runs a sequence of units with the algorithm loaded, between
// a forced halt and the restoration of the core state.
type transaction struct {
	f      *Flasher
	rep    *Report
	units  []*unit
	policy ResumePolicy

	m          *fsm.FSM
	entered    time.Time
	cur        int
	invokedAt  time.Time
	saved      cortex.CortexRegFile
	savedValid bool
}

func (f *Flasher) newTransaction(rep *Report, units []*unit, policy ResumePolicy) *transaction {
	tx := &transaction{f: f, rep: rep, units: units, policy: policy}
	tx.m = newPhaseMachine(func(from, to Phase) {
		now := f.opts.now()
		if from != PhaseIdle {
			rep.Phases[from] += now.Sub(tx.entered)
		}
		tx.entered = now
		glog.V(3).Infof("flash: %s -> %s", from, to)
	})
	return tx
}

func (tx *transaction) phase() Phase {
	return Phase(tx.m.Current())
}

func (tx *transaction) fire(ctx context.Context, ev string) {
	if err := tx.m.Event(ctx, ev); err != nil {
		// The transition table covers every event decide produces.
		panic(errors.Annotatef(err, "flash: %s in %s", ev, tx.phase()))
	}
}

// run executes the transaction. ctx is consulted between units only; the
// target is always accessed with a context that cannot be cancelled so that
// an interrupted call never leaves the core running an algorithm.
func (tx *transaction) run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	tx.fire(work, evStart)
	var primary error
	for tx.phase() != PhaseTeardown {
		p := tx.phase()
		ev, err := decide(p, tx.step(ctx, work, p))
		if ev == "" {
			tx.f.opts.sleep(tx.f.opts.timing.Interval(tx.units[tx.cur].timeout))
			continue
		}
		if err != nil {
			primary = probeerr.SetPhase(err, p.errPhase())
			if u := tx.current(); u != nil {
				glog.V(1).Infof("flash: %s failed in %s: %s", u.name, p, err)
			}
		}
		if ev == evNext {
			tx.cur++
		}
		tx.fire(work, ev)
	}
	terr := tx.teardown(work)
	tx.fire(work, evRestored)
	if primary != nil {
		if terr != nil {
			return errors.Annotatef(primary, "restoring the core also failed: %s", terr)
		}
		return primary
	}
	return errors.Trace(probeerr.SetPhase(terr, probeerr.PhaseFlashTeardown))
}

func (tx *transaction) current() *unit {
	if tx.cur < len(tx.units) {
		return tx.units[tx.cur]
	}
	return nil
}

func (tx *transaction) step(ctx, work context.Context, p Phase) observation {
	u := tx.current()
	o := observation{Unit: u.name, Addr: u.addr, Verify: u.verify}
	switch p {
	case PhaseHalt:
		o.Err = tx.halt(work)
		o.Halted = o.Err == nil
	case PhaseLoad:
		o.Err = tx.load(work)
	case PhaseInvoke:
		o.Err = tx.invoke(work, u)
	case PhasePoll:
		o.Breakpoint = tx.f.algo.Breakpoint()
		o.Timeout = u.timeout
		o.Elapsed = tx.f.opts.now().Sub(tx.invokedAt)
		st, err := tx.f.core.Status(work)
		if err != nil {
			o.Err = errors.Trace(err)
			break
		}
		o.Halted = st.Halted
		if o.Halted {
			o.PC, o.Err = tx.f.core.GetReg(work, cortex.PC)
		}
	case PhaseCollect:
		r0, err := tx.f.core.GetReg(work, cortex.R0)
		if err != nil {
			o.Err = errors.Annotatef(err, "failed to read the result of %s", u.name)
			break
		}
		o.Code = r0
		o.OK = r0 == 0
		if u.ok != nil {
			o.OK = u.ok(r0)
		}
		o.More = tx.cur+1 < len(tx.units)
		if !o.OK {
			break
		}
		if u.done != nil {
			u.done()
		}
		if o.More && ctx.Err() != nil {
			o.Err = errors.Annotatef(ctx.Err(), "interrupted after %s", u.name)
		}
	}
	return o
}

// halt forces the core into debug state and saves its registers.
func (tx *transaction) halt(ctx context.Context) error {
	if err := tx.f.core.Halt(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := tx.f.core.GetRegs(ctx, &tx.saved); err != nil {
		return errors.Annotatef(err, "failed to save core registers")
	}
	tx.savedValid = true
	return nil
}

// load writes the algorithm at its load address and reads it back.
func (tx *transaction) load(ctx context.Context) error {
	a := tx.f.algo
	blob := a.Blob()
	glog.V(3).Infof("flash: loading %s, %d bytes @ 0x%08x", a.Name, len(blob), a.LoadAddress)
	if err := tx.f.mem.WriteMemory(ctx, a.LoadAddress, blob); err != nil {
		return errors.Annotatef(err, "failed to load %s", a.Name)
	}
	back, err := tx.f.mem.ReadMemory(ctx, a.LoadAddress, len(blob))
	if err != nil {
		return errors.Annotatef(err, "failed to read back %s", a.Name)
	}
	if !bytes.Equal(back, blob) {
		i := 0
		for i < len(blob) && back[i] == blob[i] {
			i++
		}
		return errors.Trace(probeerr.New(probeerr.KindFlashOperationFailed,
			"algorithm %s did not load correctly", a.Name).At(a.LoadAddress + uint32(i)))
	}
	return nil
}

func (tx *transaction) invoke(ctx context.Context, u *unit) error {
	if u.prepare != nil {
		if err := u.prepare(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	a := tx.f.algo
	set := func(r cortex.Reg, v uint32) error {
		return errors.Annotatef(tx.f.core.SetReg(ctx, r, v), "failed to set %s", r)
	}
	for i, v := range u.args {
		if err := set(cortex.Reg(i), v); err != nil {
			return err
		}
	}
	if a.StaticBase != nil {
		if err := set(cortex.R9, a.LoadAddress+*a.StaticBase); err != nil {
			return err
		}
	}
	if err := set(cortex.SP, a.StackPointer); err != nil {
		return err
	}
	if err := set(cortex.LR, a.Breakpoint()|1); err != nil {
		return err
	}
	if err := set(cortex.PC, u.entry|1); err != nil {
		return err
	}
	if err := set(cortex.XPSR, xpsrThumb); err != nil {
		return err
	}
	glog.V(3).Infof("flash: %s: entry 0x%08x args %#x, timeout %s", u.name, u.entry, u.args, u.timeout)
	tx.invokedAt = tx.f.opts.now()
	return errors.Annotatef(tx.f.core.Resume(ctx), "failed to start %s", u.name)
}

// teardown halts the core if an algorithm may still be running, restores
// the saved registers and applies the resume policy.
func (tx *transaction) teardown(ctx context.Context) error {
	if err := tx.f.core.Halt(ctx); err != nil {
		return errors.Trace(err)
	}
	if !tx.savedValid {
		return nil
	}
	if err := tx.f.core.SetRegs(ctx, &tx.saved); err != nil {
		return errors.Annotatef(err, "failed to restore core registers")
	}
	switch tx.policy {
	case Resume:
		return errors.Trace(tx.f.core.Resume(ctx))
	case ResetRun:
		return errors.Trace(tx.f.core.ResetRun(ctx))
	}
	return nil
}
