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

// Package flash programs on-chip flash by running a flash algorithm (a
// position dependent routine blob in the CMSIS-Pack FLM style) on the
// target core.
package flash

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/cortex"
	"github.com/mongoose-os/dbgprobe/target"
)

// Memory is the byte level access the flasher needs.
type Memory interface {
	ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint32, data []byte) error
}

// ResumePolicy is what happens to the core after an operation.
type ResumePolicy int

const (
	LeaveHalted ResumePolicy = iota
	Resume
	ResetRun
)

func (p ResumePolicy) String() string {
	switch p {
	case Resume:
		return "resume"
	case ResetRun:
		return "reset-run"
	}
	return "halt"
}

func ParseResumePolicy(s string) (ResumePolicy, error) {
	for _, p := range []ResumePolicy{LeaveHalted, Resume, ResetRun} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "unknown resume policy %q", s))
}

// Block is a flash range touched by an operation.
type Block struct {
	Addr uint32
	Size uint32
}

func (b Block) String() string {
	return fmt.Sprintf("%d @ 0x%08x", b.Size, b.Addr)
}

// Report lists the work an operation completed, in order. On failure it
// holds what was done before the failing unit.
type Report struct {
	Erased     []Block
	Programmed []Block
	// Skipped pages consisted entirely of the erased value.
	Skipped  []Block
	Verified int
	// Phases is the time spent in each transaction phase.
	Phases map[Phase]time.Duration
	Total  time.Duration
}

func newReport() *Report {
	return &Report{Phases: make(map[Phase]time.Duration)}
}

// Progress is passed to the progress callback after every unit of work.
type Progress struct {
	Op    string
	Addr  uint32
	Done  int
	Total int
}

type Option func(*options)

type options struct {
	timing     Timing
	progress   func(Progress)
	policy     ResumePolicy
	metrics    *Metrics
	algoVerify bool
	now        func() time.Time
	sleep      func(time.Duration)
}

func WithTiming(t Timing) Option {
	return func(o *options) { o.timing = t }
}

func WithProgress(fn func(Progress)) Option {
	return func(o *options) { o.progress = fn }
}

func WithResumePolicy(p ResumePolicy) Option {
	return func(o *options) { o.policy = p }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAlgorithmVerify makes Verify run the algorithm's Verify entry point,
// if it has one, instead of reading the flash back.
func WithAlgorithmVerify() Option {
	return func(o *options) { o.algoVerify = true }
}

// WithClock replaces the time source used for poll timeouts.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(o *options) { o.now, o.sleep = now, sleep }
}

type Flasher struct {
	core   cortex.CortexDebug
	mem    Memory
	region *target.Region
	algo   *target.FlashAlgorithm
	opts   options
}

func New(core cortex.CortexDebug, mem Memory, region *target.Region, algo *target.FlashAlgorithm, opts ...Option) (*Flasher, error) {
	if region.Kind != target.KindFlash {
		return nil, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "region %s is not flash", region.Name))
	}
	if region.Start < algo.FlashStart || region.End() > algo.FlashEnd() {
		return nil, errors.Trace(probeerr.New(probeerr.KindInvalidArgument,
			"algorithm %s does not cover region %s", algo.Name, region))
	}
	o := options{timing: DefaultTiming(), now: time.Now, sleep: time.Sleep}
	for _, opt := range opts {
		opt(&o)
	}
	o.timing = o.timing.withDefaults()
	return &Flasher{core: core, mem: mem, region: region, algo: algo, opts: o}, nil
}

func (f *Flasher) Region() *target.Region { return f.region }

func (f *Flasher) Algorithm() *target.FlashAlgorithm { return f.algo }

func (f *Flasher) checkRange(addr uint32, length int) error {
	if length < 0 || !f.region.ContainsRange(addr, length) {
		return errors.Trace(probeerr.New(probeerr.KindInvalidAddress,
			"%d bytes are not within %s", length, f.region).At(addr))
	}
	return nil
}

func (f *Flasher) report(p Progress) {
	if f.opts.progress != nil {
		f.opts.progress(p)
	}
}

// finish records the operation in the metrics and the report.
func (f *Flasher) finish(op string, start time.Time, rep *Report, err error) {
	rep.Total = f.opts.now().Sub(start)
	f.opts.metrics.observe(op, rep.Total.Seconds(), err)
}
