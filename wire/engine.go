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
package wire

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
)

type Config struct {
	// MaxAttempts bounds the number of attempts of one transaction while the
	// target keeps answering WAIT.
	MaxAttempts int
	// Backoff is the pause before re-issuing a WAITed request. With
	// Exponential set it doubles on each retry up to MaxBackoff.
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Exponential bool
	// ProtocolRetries is how many times a request answered with a protocol
	// error is re-issued after a line reset.
	ProtocolRetries int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     16,
		Backoff:         50 * time.Microsecond,
		MaxBackoff:      5 * time.Millisecond,
		Exponential:     true,
		ProtocolRetries: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
	if c.ProtocolRetries < 0 {
		c.ProtocolRetries = 0
	}
	return c
}

type Stats struct {
	Transactions   uint64
	Waits          uint64
	Faults         uint64
	ProtocolErrors uint64
	LineResets     uint64
	Timeouts       uint64
}

// Engine turns raw link attempts into transactions with bounded WAIT
// retries, fault reporting and line resynchronization. It is not safe for
// concurrent use; requests are issued strictly in call order.
type Engine struct {
	link    Link
	cfg     Config
	metrics *Metrics
	sleep   func(time.Duration)

	epoch uint64
	stats Stats
}

type Option func(*Engine)

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSleep replaces time.Sleep for the WAIT backoff.
func WithSleep(fn func(time.Duration)) Option {
	return func(e *Engine) { e.sleep = fn }
}

func NewEngine(link Link, cfg Config, opts ...Option) *Engine {
	e := &Engine{link: link, cfg: cfg.withDefaults(), sleep: time.Sleep}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Link() Link { return e.link }

// Epoch changes whenever the target side state may have been lost: on every
// line reset and every FAULT. Cached SELECT/CSW/TAR values are only valid
// within one epoch.
func (e *Engine) Epoch() uint64 { return e.epoch }

func (e *Engine) Stats() Stats { return e.stats }

// MaxBlockSize is the longest run the link can issue in one exchange.
func (e *Engine) MaxBlockSize() int {
	if bl, ok := e.link.(BlockLink); ok && bl.MaxBlockSize() > 1 {
		return bl.MaxBlockSize()
	}
	return 1
}

// Execute performs one transaction.
func (e *Engine) Execute(ctx context.Context, req Request) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	total := 0
	for retry := 0; ; retry++ {
		ack, data, n, err := e.issue(ctx, req)
		total += n
		if err != nil {
			return Outcome{Attempts: total}, err
		}
		switch ack {
		case AckOK:
			return Outcome{Ack: AckOK, Data: data, Attempts: total}, nil
		case AckFault:
			e.fault()
			return Outcome{Ack: AckFault, Attempts: total},
				errors.Trace(probeerr.New(probeerr.KindTargetFault, "%s", req).WithAttempts(total))
		}
		e.protocolError()
		if err := e.Resync(ctx); err != nil {
			return Outcome{Ack: ack, Attempts: total}, err
		}
		if retry >= e.cfg.ProtocolRetries {
			pe := probeerr.New(probeerr.KindProtocol, "%s: no valid response", req).WithAttempts(total)
			pe.Retryable = true
			return Outcome{Ack: ack, Attempts: total}, errors.Trace(pe)
		}
		glog.V(3).Infof("%s: protocol error, retrying after line reset", req)
	}
}

// ExecuteBlock performs a run of accesses to one register. WAIT responses
// resume the run where it stopped. On FAULT or a protocol error the run is
// abandoned and the error records how many words completed; the words read
// so far are returned. Protocol errors are not retried here since the
// target-side address of an interrupted run is unknown; the line is
// resynchronized and the error marked retryable.
func (e *Engine) ExecuteBlock(ctx context.Context, req BlockRequest) ([]uint32, error) {
	if err := (Request{Reg: req.Reg}).Validate(); err != nil {
		return nil, err
	}
	n := req.Len()
	out := make([]uint32, 0, n)
	bl, ok := e.link.(BlockLink)
	if !ok || bl.MaxBlockSize() <= 1 {
		for i := 0; i < n; i++ {
			ack, data, _, err := e.issue(ctx, req.single(i))
			if err == nil && ack != AckOK {
				err = e.blockFailure(ctx, req, ack, i)
			}
			if err != nil {
				return out, withTransferred(err, i)
			}
			if req.Op == OpRead {
				out = append(out, data)
			}
		}
		return out, nil
	}

	done, waits := 0, 0
	backoff := e.cfg.Backoff
	for done < n {
		chunk := n - done
		if max := bl.MaxBlockSize(); chunk > max {
			chunk = max
		}
		sub := BlockRequest{Op: req.Op, Port: req.Port, Reg: req.Reg, Count: chunk}
		if req.Op == OpWrite {
			sub.Data = req.Data[done : done+chunk]
		}
		res, err := bl.TransferBlock(ctx, sub)
		e.count(req.Port, req.Op, res.Done)
		if err != nil {
			return out, withTransferred(errors.Trace(e.probeFailure(err, "%s block", req.single(0))), done)
		}
		if req.Op == OpRead {
			out = append(out, res.Data[:res.Done]...)
		}
		done += res.Done
		if res.Done > 0 {
			waits, backoff = 0, e.cfg.Backoff
		}
		switch res.Ack {
		case AckOK:
			if res.Done != chunk {
				e.protocolError()
				return out, withTransferred(e.blockFailure(ctx, req, AckProtocolError, done), done)
			}
		case AckWait:
			e.stats.Waits++
			e.metrics.ack(AckWait)
			waits++
			if waits >= e.cfg.MaxAttempts {
				return out, withTransferred(e.timeout(req.single(0), waits), done)
			}
			backoff = e.pause(backoff)
		default:
			return out, withTransferred(e.blockFailure(ctx, req, res.Ack, done), done)
		}
	}
	return out, nil
}

// Resync issues a line reset and re-reads the target identification
// register. Failure leaves the link unusable.
func (e *Engine) Resync(ctx context.Context) error {
	e.epoch++
	e.stats.LineResets++
	e.metrics.lineReset()
	id, err := e.link.LineReset(ctx)
	if err != nil {
		if probeerr.KindOf(err) != probeerr.KindUnknown {
			return errors.Annotatef(err, "line reset")
		}
		return errors.Trace(probeerr.Wrap(probeerr.KindProtocol, err, "line reset failed"))
	}
	glog.V(3).Infof("line reset, id 0x%08x", id)
	return nil
}

// issue sends req until it is answered with something other than WAIT.
// It returns OK, FAULT or a protocol error ack, or a typed error.
func (e *Engine) issue(ctx context.Context, req Request) (Ack, uint32, int, error) {
	backoff := e.cfg.Backoff
	for attempt := 1; ; attempt++ {
		ack, data, err := e.link.Transfer(ctx, req)
		e.count(req.Port, req.Op, 1)
		if err != nil {
			return 0, 0, attempt, errors.Trace(e.probeFailure(err, "%s", req).WithAttempts(attempt))
		}
		if glog.V(4) {
			glog.Infof("%s -> %s 0x%08x", req, ack, data)
		}
		if ack != AckWait {
			return ack, data, attempt, nil
		}
		e.stats.Waits++
		e.metrics.ack(AckWait)
		if attempt >= e.cfg.MaxAttempts {
			return ack, 0, attempt, e.timeout(req, attempt)
		}
		if err := ctx.Err(); err != nil {
			return ack, 0, attempt, errors.Annotatef(err, "%s", req)
		}
		backoff = e.pause(backoff)
	}
}

func (e *Engine) blockFailure(ctx context.Context, req BlockRequest, ack Ack, done int) error {
	r := req.single(0)
	if req.Op == OpWrite && done < len(req.Data) {
		r = req.single(done)
	}
	if ack == AckFault {
		e.fault()
		return errors.Trace(probeerr.New(probeerr.KindTargetFault, "%s (word %d of %d)", r, done, req.Len()))
	}
	e.protocolError()
	if err := e.Resync(ctx); err != nil {
		return err
	}
	pe := probeerr.New(probeerr.KindProtocol, "%s (word %d of %d): no valid response", r, done, req.Len())
	pe.Retryable = true
	return errors.Trace(pe)
}

func (e *Engine) timeout(req Request, attempts int) error {
	e.stats.Timeouts++
	e.metrics.timeout()
	return errors.Trace(probeerr.New(probeerr.KindTimeout, "%s: target kept answering WAIT", req).WithAttempts(attempts))
}

func (e *Engine) probeFailure(err error, format string, args ...interface{}) *probeerr.Error {
	return probeerr.Wrap(probeerr.KindProbe, err, format, args...)
}

func (e *Engine) fault() {
	e.epoch++
	e.stats.Faults++
	e.metrics.ack(AckFault)
}

func (e *Engine) protocolError() {
	e.stats.ProtocolErrors++
	e.metrics.ack(AckProtocolError)
}

func (e *Engine) count(port Port, op Op, n int) {
	if n <= 0 {
		return
	}
	e.stats.Transactions += uint64(n)
	e.metrics.transactions(port, op, n)
}

func (e *Engine) pause(d time.Duration) time.Duration {
	if d > 0 {
		e.sleep(d)
	}
	if e.cfg.Exponential {
		d *= 2
		if d > e.cfg.MaxBackoff {
			d = e.cfg.MaxBackoff
		}
	}
	return d
}

func withTransferred(err error, n int) error {
	if pe, ok := probeerr.As(err); ok {
		pe.Transferred = n
	}
	return err
}
