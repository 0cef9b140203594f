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

// Package simtest connects the debug stack to a simulated target for tests.
package simtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/dbgprobe/cortex"
	"github.com/mongoose-os/dbgprobe/dp"
	"github.com/mongoose-os/dbgprobe/memap"
	"github.com/mongoose-os/dbgprobe/sim"
	"github.com/mongoose-os/dbgprobe/wire"
)

// Stack is everything above the wire for one target.
type Stack struct {
	Target *sim.Target
	Engine *wire.Engine
	DP     dp.DPClient
	MemAP  memap.MemAPClient
	Core   cortex.CortexDebug
}

type Options struct {
	Protocol wire.Protocol
	// BitLevel frames requests on the simulated wire instead of using the
	// request-level link.
	BitLevel bool
	MaxBlock int
	// NoMemoryMap leaves ReadMemory/WriteMemory unchecked.
	NoMemoryMap bool
	// SkipCoreInit leaves Core uninitialized.
	SkipCoreInit bool
}

func quick() wire.Config {
	cfg := wire.DefaultConfig()
	cfg.Backoff = time.Microsecond
	cfg.MaxBackoff = time.Microsecond
	return cfg
}

// Link returns the wire link for opts.
func Link(tgt *sim.Target, opts Options) wire.Link {
	switch {
	case !opts.BitLevel:
		return tgt.Link(opts.MaxBlock)
	case opts.Protocol == wire.JTAG:
		return wire.NewJTAGLink(tgt.TAP())
	default:
		return wire.NewSWDLink(tgt.SWDWire())
	}
}

// NewEngine returns a wire engine on the link for opts that never sleeps.
func NewEngine(tgt *sim.Target, opts Options) *wire.Engine {
	return wire.NewEngine(Link(tgt, opts), quick(), wire.WithSleep(func(time.Duration) {}))
}

// Connect powers up the debug port and initializes the MEM-AP and the core.
func Connect(t testing.TB, tgt *sim.Target, opts Options) *Stack {
	t.Helper()
	ctx := context.Background()
	if opts.Protocol == 0 {
		opts.Protocol = wire.SWD
	}
	s := &Stack{Target: tgt}
	s.Engine = NewEngine(tgt, opts)
	_, err := s.Engine.Link().LineReset(ctx)
	require.NoError(t, err)
	dpCfg := dp.DefaultConfig()
	dpCfg.PollInterval = time.Microsecond
	s.DP = dp.NewDPClient(s.Engine, opts.Protocol, dpCfg)
	require.NoError(t, s.DP.Init(ctx))
	desc := tgt.Description()
	mcfg := memap.Config{AutoIncrementBoundary: desc.AutoIncrementBoundary, ProtocolRetries: 1}
	if !opts.NoMemoryMap {
		mcfg.MemoryMap = desc.MemoryMap()
	}
	s.MemAP = memap.NewMemAPClient(s.DP, desc.AP, mcfg)
	require.NoError(t, s.MemAP.Init(ctx))
	s.Core = cortex.NewCortexMDebug(s.MemAP, cortex.Config{PollInterval: time.Microsecond})
	if !opts.SkipCoreInit {
		require.NoError(t, s.Core.Init(ctx))
	}
	return s
}

// New connects to a fresh simulated target with the default description.
func New(t testing.TB, opts Options) *Stack {
	t.Helper()
	return Connect(t, sim.New(sim.DefaultDescription(), sim.DefaultOptions()), opts)
}
