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
	"io/ioutil"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/dbgprobe/cli/flags"
	"github.com/mongoose-os/dbgprobe/cli/ourutil"
	"github.com/mongoose-os/dbgprobe/flash"
	"github.com/mongoose-os/dbgprobe/image"
	"github.com/mongoose-os/dbgprobe/probe"
	"github.com/mongoose-os/dbgprobe/target"
)

func firstFlashRegion(d *target.Description) *target.Region {
	if d == nil {
		return nil
	}
	for _, r := range d.MemoryMap().Regions() {
		if r.Kind == target.KindFlash {
			return r
		}
	}
	return nil
}

// loadImage reads a firmware image. Raw binaries go to --base or, if it is
// not given, to the start of the first flash region.
func loadImage(fname string, d *target.Description) (*image.Image, error) {
	f, err := flags.Format()
	if err != nil {
		return nil, errors.Trace(err)
	}
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read %s", fname)
	}
	if f == image.FormatAuto {
		f = image.DetectFormat(fname, data)
	}
	base := *flags.Base
	if f == image.FormatBin && !flag.CommandLine.Changed("base") {
		if r := firstFlashRegion(d); r != nil {
			base = r.Start
		}
	}
	img, err := image.Parse(fname, data, f, base)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to load %s", fname)
	}
	glog.V(1).Infof("%s: %s", fname, img.Dump())
	return img, nil
}

func flashOptions() ([]flash.Option, error) {
	policy, err := flags.ResumePolicy()
	if err != nil {
		return nil, errors.Trace(err)
	}
	last := ""
	return []flash.Option{
		flash.WithResumePolicy(policy),
		flash.WithProgress(func(p flash.Progress) {
			glog.V(3).Infof("%s 0x%08x %d/%d", p.Op, p.Addr, p.Done, p.Total)
			if p.Op != last && *flags.Verbose {
				ourutil.Reportf("  %s...", p.Op)
			}
			last = p.Op
		}),
	}, nil
}

type flashJob struct {
	f    *flash.Flasher
	segs []flash.Segment
}

// flashJobs splits the image by the flash region its segments fall into,
// keeping the image order.
func flashJobs(s *probe.Session, img *image.Image, opts []flash.Option) ([]*flashJob, error) {
	var jobs []*flashJob
	byRegion := make(map[string]*flashJob)
	for _, seg := range img.Segments {
		var f *flash.Flasher
		var err error
		if *flags.Region != "" {
			f, err = s.Flasher(*flags.Region, opts...)
		} else {
			f, err = s.FlasherAt(seg.Addr, opts...)
		}
		if err != nil {
			return nil, errors.Annotatef(err, "no flash for segment at 0x%08x", seg.Addr)
		}
		j := byRegion[f.Region().Name]
		if j == nil {
			j = &flashJob{f: f}
			byRegion[f.Region().Name] = j
			jobs = append(jobs, j)
		}
		j.segs = append(j.segs, seg)
	}
	return jobs, nil
}

func flashImage(ctx context.Context, s *probe.Session, args []string) error {
	if len(args) != 1 {
		return badArgs("usage: flash <file>")
	}
	img, err := loadImage(args[0], s.Target())
	if err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Loaded %s: %d bytes in %d segments", args[0], img.Size(), len(img.Segments))
	if *flags.EraseAll && !*flags.Force && !ourutil.Confirm("This will erase the whole flash. Continue?") {
		return errors.Errorf("aborted")
	}
	opts, err := flashOptions()
	if err != nil {
		return errors.Trace(err)
	}
	jobs, err := flashJobs(s, img, opts)
	if err != nil {
		return errors.Trace(err)
	}
	for _, j := range jobs {
		r := j.f.Region()
		ourutil.Reportf("Writing %s (%s)...", r.Name, j.f.Algorithm().Name)
		rep, err := j.f.Download(ctx, j.segs, flash.DownloadOptions{
			EraseAll:  *flags.EraseAll,
			SkipErase: *flags.SkipErase,
			Verify:    *flags.Verify,
		})
		if *flags.Stats && rep != nil {
			printPhases(rep)
		}
		if err != nil {
			return errors.Annotatef(err, "failed to write %s", r.Name)
		}
		reportDownload(rep)
	}
	return nil
}

func reportDownload(rep *flash.Report) {
	programmed := uint32(0)
	for _, b := range rep.Programmed {
		programmed += b.Size
	}
	c := color.New(color.FgGreen)
	msg := fmt.Sprintf("  %d sectors erased, %d bytes programmed, %d empty pages skipped", len(rep.Erased), programmed, len(rep.Skipped))
	if rep.Verified > 0 {
		msg += fmt.Sprintf(", %d bytes verified", rep.Verified)
	}
	ourutil.Reportf("%s in %s", c.Sprint(msg), rep.Total)
}

func verifyImage(ctx context.Context, s *probe.Session, args []string) error {
	if len(args) != 1 {
		return badArgs("usage: verify <file>")
	}
	img, err := loadImage(args[0], s.Target())
	if err != nil {
		return errors.Trace(err)
	}
	opts, err := flashOptions()
	if err != nil {
		return errors.Trace(err)
	}
	jobs, err := flashJobs(s, img, opts)
	if err != nil {
		return errors.Trace(err)
	}
	total := 0
	for _, j := range jobs {
		for _, seg := range j.segs {
			rep, err := j.f.Verify(ctx, seg.Addr, seg.Data)
			if err != nil {
				color.New(color.FgRed).Fprintf(ourutil.Output, "Mismatch in %s\n", j.f.Region().Name)
				return errors.Trace(err)
			}
			total += rep.Verified
		}
	}
	ourutil.Reportf("%s", color.New(color.FgGreen).Sprintf("Verified %d bytes", total))
	return nil
}

func erase(ctx context.Context, s *probe.Session, args []string) error {
	opts, err := flashOptions()
	if err != nil {
		return errors.Trace(err)
	}
	var f *flash.Flasher
	var addr, length uint32
	switch {
	case len(args) == 2:
		if addr, err = parseUint32("address", args[0]); err != nil {
			return err
		}
		if length, err = parseUint32("length", args[1]); err != nil {
			return err
		}
		if *flags.Region != "" {
			f, err = s.Flasher(*flags.Region, opts...)
		} else {
			f, err = s.FlasherAt(addr, opts...)
		}
	case len(args) == 0 && *flags.EraseAll:
		name := *flags.Region
		if name == "" {
			if r := firstFlashRegion(s.Target()); r != nil {
				name = r.Name
			}
		}
		f, err = s.Flasher(name, opts...)
	default:
		return badArgs("usage: erase <addr> <length>, or erase --erase-all")
	}
	if err != nil {
		return errors.Trace(err)
	}
	var rep *flash.Report
	if len(args) == 0 {
		if !*flags.Force && !ourutil.Confirm(fmt.Sprintf("Erase all of %s?", f.Region().Name)) {
			return errors.Errorf("aborted")
		}
		rep, err = f.EraseAll(ctx)
	} else {
		rep, err = f.EraseRange(ctx, addr, int(length))
	}
	if *flags.Stats && rep != nil {
		printPhases(rep)
	}
	if err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Erased %d sectors of %s in %s", len(rep.Erased), f.Region().Name, rep.Total)
	return nil
}

func imageInfo(ctx context.Context, _ *probe.Session, args []string) error {
	if len(args) != 1 {
		return badArgs("usage: image-info <file>")
	}
	var d *target.Description
	if *flags.Target != "" {
		var err error
		if d, err = target.Load(*flags.Target); err != nil {
			return errors.Trace(err)
		}
	}
	img, err := loadImage(args[0], d)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprint(out, img.Dump())
	return nil
}
