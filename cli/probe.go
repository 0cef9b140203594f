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
package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mongoose-os/dbgprobe/cli/flags"
	"github.com/mongoose-os/dbgprobe/cli/ourutil"
	"github.com/mongoose-os/dbgprobe/common/multierror"
	"github.com/mongoose-os/dbgprobe/flash"
	"github.com/mongoose-os/dbgprobe/probe"
	"github.com/mongoose-os/dbgprobe/sim"
	"github.com/mongoose-os/dbgprobe/target"
	"github.com/mongoose-os/dbgprobe/wire"
)

// registry collects the metrics of the current command.
var registry = prometheus.NewRegistry()

var wireMetrics, flashMetrics = wire.NewMetrics(registry), flash.NewMetrics(registry)

func targetDescription(id probe.Identity) (*target.Description, error) {
	if *flags.Target != "" {
		d, err := target.Load(*flags.Target)
		return d, errors.Trace(err)
	}
	if id.Family == probe.FamilySim {
		return sim.DefaultDescription(), nil
	}
	return nil, nil
}

// connect opens the selected probe and attaches to the target behind it.
func connect(ctx context.Context, ds []probe.Driver) (*probe.Probe, *probe.Session, error) {
	sel, err := probe.ParseSelector(*flags.Probe)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	proto, err := flags.Protocol()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	p, err := probe.Open(ctx, sel, ds...)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	p.SetResetHold(*flags.ResetHold)
	desc, err := targetDescription(p.Identity())
	if err != nil {
		p.Close(ctx)
		return nil, nil, errors.Trace(err)
	}
	opts := probe.DefaultAttachOptions()
	opts.Protocol = proto
	opts.ClockHz = *flags.Clock
	opts.Target = desc
	opts.HaltOnAttach = *flags.Halt
	opts.ResumeOnDetach = *flags.Resume
	opts.WireMetrics = wireMetrics
	opts.FlashMetrics = flashMetrics
	s, err := p.Attach(ctx, opts)
	if err != nil {
		if cerr := p.Close(ctx); cerr != nil {
			glog.Errorf("failed to close %s: %s", p.Identity(), cerr)
		}
		return nil, nil, errors.Annotatef(err, "failed to attach through %s", p.Identity())
	}
	cfg := s.Config()
	if *flags.Verbose {
		ourutil.Reportf("Attached through %s, %s, %s", p.Identity(), cfg.Protocol, cfg.CoreName)
	}
	return p, s, nil
}

// disconnect ends the session and closes the probe, combining any failures
// with the command's own error.
func disconnect(ctx context.Context, p *probe.Probe, s *probe.Session, err error) error {
	var errs error
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if derr := s.Detach(ctx); derr != nil {
		errs = multierror.Append(errs, errors.Annotatef(derr, "failed to detach"))
	}
	if cerr := p.Close(ctx); cerr != nil {
		errs = multierror.Append(errs, errors.Annotatef(cerr, "failed to close the probe"))
	}
	if *flags.Metrics {
		printMetrics()
	}
	if me, ok := errs.(*multierror.Error); ok && len(me.Errors()) == 1 {
		return me.Errors()[0]
	}
	return errs
}

func listProbes(ctx context.Context, _ *probe.Session, args []string) error {
	ids, err := probe.List(ctx, probeDrivers...)
	if err != nil {
		return errors.Trace(err)
	}
	return printProbes(ids)
}

func printProbes(ids []probe.Identity) error {
	if len(ids) == 0 {
		ourutil.Reportf("No probes found")
		return nil
	}
	for _, id := range ids {
		sel := fmt.Sprintf("%s:%04x:%04x", id.Family, id.VID, id.PID)
		if id.Serial != "" {
			sel += ":" + id.Serial
		}
		fmt.Fprintf(out, "%-40s %s\n", sel, ourutil.FirstN(id.Description, 40))
	}
	return nil
}

func info(ctx context.Context, s *probe.Session, args []string) error {
	cfg := s.Config()
	fmt.Fprintf(out, "Probe:       %s\n", s.Probe().Identity())
	fmt.Fprintf(out, "Protocol:    %s, %d word blocks\n", cfg.Protocol, cfg.MaxBlockSize)
	fmt.Fprintf(out, "DP:          %s\n", cfg.DPIDR)
	fmt.Fprintf(out, "APs:         %d, using AP %d\n", cfg.APCount, cfg.APSel)
	fmt.Fprintf(out, "Core:        %s (CPUID 0x%08x)\n", cfg.CoreName, cfg.CPUID)
	st, err := s.Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	c := color.New(color.FgGreen)
	if st.Halted {
		c = color.New(color.FgYellow)
	}
	fmt.Fprintf(out, "Status:      %s\n", c.Sprint(st))
	nbp, err := s.AvailableBreakpoints(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintf(out, "Breakpoints: %d\n", nbp)
	if d := s.Target(); d != nil {
		fmt.Fprintf(out, "Target:      %s\n", d.Name)
		for _, r := range d.MemoryMap().Regions() {
			fmt.Fprintf(out, "  %s\n", r)
		}
	}
	return nil
}

func printStats(s *probe.Session) {
	st := s.Stats()
	ourutil.Reportf("Wire: %d transactions, %d waits, %d faults, %d protocol errors, %d line resets, %d timeouts",
		st.Transactions, st.Waits, st.Faults, st.ProtocolErrors, st.LineResets, st.Timeouts)
}

// printPhases shows where the time of a flash operation went, longest first.
func printPhases(rep *flash.Report) {
	var phases []flash.Phase
	for ph := range rep.Phases {
		phases = append(phases, ph)
	}
	sort.Slice(phases, func(i, j int) bool { return rep.Phases[phases[i]] > rep.Phases[phases[j]] })
	for _, ph := range phases {
		ourutil.Reportf("  %-10s %s", ph, rep.Phases[ph])
	}
	ourutil.Reportf("  %-10s %s", "total", rep.Total)
}

func printMetrics() {
	mfs, err := registry.Gather()
	if err != nil {
		glog.Errorf("failed to gather metrics: %s", err)
		return
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				if labels != "" {
					labels += ","
				}
				labels += fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue())
			}
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				v = float64(m.GetHistogram().GetSampleCount())
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			}
			fmt.Fprintf(out, "%s{%s} %g\n", mf.GetName(), labels, v)
		}
	}
}
