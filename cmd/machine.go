// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"

	"github.com/google/go-svsm/cmd/output"
	"github.com/google/go-svsm/insn"
	"github.com/google/go-svsm/percpu"
	"github.com/google/go-svsm/smp"
	"github.com/google/go-svsm/testing/fakesnp"
	"golang.org/x/net/context"
)

// machine is a simulated guest whose boot processor has finished its own setup.
type machine struct {
	platform *fakesnp.Platform
	area     *percpu.Area
	bsp      *percpu.PerCPU
}

func newMachine(memory uint64) (*machine, error) {
	p := fakesnp.New(memory)
	area := &percpu.Area{
		Pages:      p,
		Translator: p.Memory(),
		Executor:   func(apicID uint32) insn.Executor { return p.CPU(apicID) },
	}
	bsp, err := area.Alloc()
	if err != nil {
		return nil, err
	}
	bsp.SetAPICID(0)
	if err := bsp.Setup(); err != nil {
		return nil, fmt.Errorf("boot processor setup: %w", err)
	}
	if err := bsp.SetupOnCPU(); err != nil {
		return nil, fmt.Errorf("boot processor setup: %w", err)
	}
	bsp.SetOnline()
	return &machine{platform: p, area: area, bsp: bsp}, nil
}

// runAPs makes every AP the hypervisor creates enter StartAP, except those listed in stalled.
func (m *machine) runAPs(ctx context.Context, stalled []uint64) {
	m.platform.OnAPCreate = func(rec fakesnp.APRecord) {
		for _, id := range stalled {
			if uint64(rec.APICID) == id {
				return
			}
		}
		cpu, ok := m.area.ByAPICID(rec.APICID)
		if !ok {
			output.Errorf(ctx, "hypervisor created unknown APIC-ID %d", rec.APICID)
			return
		}
		if err := smp.StartAP(ctx, cpu); err != nil {
			output.Errorf(ctx, "%v", err)
		}
	}
}

func (m *machine) launcher() *smp.Launcher {
	return &smp.Launcher{
		Executor:   m.platform.CPU(0),
		Allocator:  smp.AreaAllocator(m.area),
		Translator: m.platform.Memory(),
		GHCB:       m.bsp.GHCB(),
	}
}
