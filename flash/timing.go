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
	"time"
)

// Timing derives the timeout and poll interval of each algorithm call from
// the documented worst case of the operation.
type Timing struct {
	// Scale multiplies the documented time.
	Scale float64
	// Margin is added after scaling, covering the wire round trips.
	Margin time.Duration
	// MinTimeout is the shortest timeout ever used.
	MinTimeout time.Duration
	// Fallback replaces a documented time of zero.
	Fallback time.Duration
	// InitTimeout bounds the Init and UnInit calls.
	InitTimeout time.Duration
	// The poll interval is the timeout divided by PollDivisor, clamped to
	// [MinInterval, MaxInterval].
	PollDivisor int
	MinInterval time.Duration
	MaxInterval time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Scale:       1.5,
		Margin:      50 * time.Millisecond,
		MinTimeout:  100 * time.Millisecond,
		Fallback:    time.Second,
		InitTimeout: time.Second,
		PollDivisor: 50,
		MinInterval: time.Millisecond,
		MaxInterval: 50 * time.Millisecond,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.Scale <= 0 {
		t.Scale = d.Scale
	}
	if t.MinTimeout <= 0 {
		t.MinTimeout = d.MinTimeout
	}
	if t.Fallback <= 0 {
		t.Fallback = d.Fallback
	}
	if t.InitTimeout <= 0 {
		t.InitTimeout = d.InitTimeout
	}
	if t.PollDivisor <= 0 {
		t.PollDivisor = d.PollDivisor
	}
	if t.MinInterval <= 0 {
		t.MinInterval = d.MinInterval
	}
	if t.MaxInterval < t.MinInterval {
		t.MaxInterval = t.MinInterval
	}
	return t
}

// Timeout is the bound for an operation documented to take at most
// documented per unit, covering units units.
func (t Timing) Timeout(documented time.Duration, units int) time.Duration {
	if documented <= 0 {
		documented = t.Fallback
	}
	if units < 1 {
		units = 1
	}
	d := time.Duration(float64(documented)*float64(units)*t.Scale) + t.Margin
	if d < t.MinTimeout {
		d = t.MinTimeout
	}
	return d
}

func (t Timing) Interval(timeout time.Duration) time.Duration {
	d := timeout / time.Duration(t.PollDivisor)
	if d < t.MinInterval {
		d = t.MinInterval
	}
	if d > t.MaxInterval {
		d = t.MaxInterval
	}
	return d
}
