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

package smp_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-svsm/acpi"
	"github.com/google/go-svsm/cmd/output"
	"github.com/google/go-svsm/ghcb"
	"github.com/google/go-svsm/insn"
	"github.com/google/go-svsm/mm"
	"github.com/google/go-svsm/percpu"
	"github.com/google/go-svsm/rmp"
	"github.com/google/go-svsm/smp"
	"github.com/google/go-svsm/testing/fakesnp"
	"github.com/google/go-svsm/testing/match"
	"github.com/google/go-svsm/vmsa"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"go.uber.org/multierr"
	"golang.org/x/net/context"
)

const entryPoint = 0xffffffff80001000

type machine struct {
	t        *testing.T
	platform *fakesnp.Platform
	area     *percpu.Area
	launcher *smp.Launcher
	// onCreate runs on the new AP before StartAP.
	onCreate func(fakesnp.APRecord)
}

func newMachine(t *testing.T) *machine {
	t.Helper()
	p := fakesnp.New(1 << 24)
	area := &percpu.Area{
		Pages:      p,
		Translator: p.Memory(),
		Executor:   func(apicID uint32) insn.Executor { return p.CPU(apicID) },
	}
	bsp, err := area.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	bsp.SetAPICID(0)
	if err := bsp.Setup(); err != nil {
		t.Fatal(err)
	}
	if err := bsp.SetupOnCPU(); err != nil {
		t.Fatal(err)
	}
	bsp.SetOnline()
	return &machine{
		t:        t,
		platform: p,
		area:     area,
		launcher: &smp.Launcher{
			Executor:   p.CPU(0),
			Allocator:  smp.AreaAllocator(area),
			Translator: p.Memory(),
			GHCB:       bsp.GHCB(),
			EntryPoint: entryPoint,
			Product:    sgpb.SevProduct_SEV_PRODUCT_MILAN,
		},
	}
}

// runAPs makes every created AP run StartAP on its own goroutine.
func (m *machine) runAPs(ctx context.Context) {
	m.platform.OnAPCreate = func(rec fakesnp.APRecord) {
		if m.onCreate != nil {
			m.onCreate(rec)
		}
		cpu, ok := m.area.ByAPICID(rec.APICID)
		if !ok {
			m.t.Errorf("no per-CPU structure for created APIC-ID %d", rec.APICID)
			return
		}
		if err := smp.StartAP(ctx, cpu); err != nil {
			m.t.Errorf("StartAP(%d) = %v", rec.APICID, err)
		}
	}
}

func (m *machine) createdIDs() []uint32 {
	var ids []uint32
	for _, rec := range m.platform.Created() {
		ids = append(ids, rec.APICID)
	}
	return ids
}

func isOp(kind fakesnp.OpKind) func(fakesnp.Op) bool {
	return func(op fakesnp.Op) bool { return op.Kind == kind }
}

func TestStartSecondaryCPUsSkipsBootAndDisabled(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	m.runAPs(ctx)
	topology := []acpi.CPUInfo{{APICID: 0, Enabled: true}, {APICID: 1, Enabled: false}}
	n, err := m.launcher.StartSecondaryCPUs(ctx, topology)
	if err != nil || n != 0 {
		t.Fatalf("StartSecondaryCPUs() = %d, %v, want 0, nil", n, err)
	}
	if got := m.platform.Count(isOp(fakesnp.OpVMGExit)); got != 0 {
		t.Errorf("VMGEXIT count = %d, want 0", got)
	}
	if got := len(m.area.All()); got != 1 {
		t.Errorf("per-CPU structures = %d, want only the boot processor's", got)
	}
}

func TestStartSecondaryCPUsInOrder(t *testing.T) {
	m := newMachine(t)
	var buf bytes.Buffer
	ctx := output.NewContext(context.Background(), &output.Options{Out: &buf, Verbose: true})
	m.onCreate = func(rec fakesnp.APRecord) {
		// Every AP created before this one must already be online.
		for _, prev := range m.platform.Created() {
			if prev.APICID == rec.APICID {
				break
			}
			if cpu, ok := m.area.ByAPICID(prev.APICID); !ok || !cpu.IsOnline() {
				t.Errorf("APIC-ID %d created before APIC-ID %d was online", rec.APICID, prev.APICID)
			}
		}
	}
	m.runAPs(ctx)
	topology := []acpi.CPUInfo{
		{APICID: 0, Enabled: true},
		{APICID: 3, Enabled: true},
		{APICID: 2, Enabled: false},
		{APICID: 1, Enabled: true},
	}
	n, err := m.launcher.StartSecondaryCPUs(ctx, topology)
	if err != nil || n != 2 {
		t.Fatalf("StartSecondaryCPUs() = %d, %v, want 2, nil", n, err)
	}
	if diff := cmp.Diff([]uint32{3, 1}, m.createdIDs()); diff != "" {
		t.Errorf("created APs differ (-want +got):\n%s", diff)
	}
	for _, rec := range m.platform.Created() {
		cpu, ok := m.area.ByAPICID(rec.APICID)
		if !ok || !cpu.IsOnline() {
			t.Errorf("APIC-ID %d is not online after StartSecondaryCPUs", rec.APICID)
			continue
		}
		if rec.Rip != entryPoint {
			t.Errorf("APIC-ID %d RIP = 0x%x, want 0x%x", rec.APICID, rec.Rip, uint64(entryPoint))
		}
		if rec.SevFeatures != vmsa.SevFeatureSNPActive {
			t.Errorf("APIC-ID %d SEV features = 0x%x, want 0x%x", rec.APICID, rec.SevFeatures,
				uint64(vmsa.SevFeatureSNPActive))
		}
		img := cpu.VMSA(0)
		if !m.platform.IsVMSA(img.VA) {
			t.Errorf("APIC-ID %d VMSA page %v is not a VMSA in the RMP", rec.APICID, img.VA)
		}
		if got := m.platform.Rights(img.VA, rmp.VMPL1); got != rmp.VMSA {
			t.Errorf("APIC-ID %d VMSA rights at VMPL1 = %v, want %v", rec.APICID, got, rmp.VMSA)
		}
		if rec.VMSA != mustPA(t, m.platform, img.VA) {
			t.Errorf("APIC-ID %d VMSA PA = %v, want %v", rec.APICID, rec.VMSA, img.VA)
		}
	}
	logs := buf.String()
	for _, want := range []string{
		"Launching AP with APIC-ID 3",
		"AP with APIC-ID 3 is online",
		"Launching AP with APIC-ID 1",
		"AP with APIC-ID 1 is online",
		"DEBUG: AP create: APIC-ID 1",
		"Brought 2 AP(s) online",
	} {
		if !strings.Contains(logs, want) {
			t.Errorf("output missing %q:\n%s", want, logs)
		}
	}
	if strings.Contains(logs, "APIC-ID 2") {
		t.Errorf("disabled APIC-ID 2 was launched:\n%s", logs)
	}
}

func mustPA(t *testing.T, p *fakesnp.Platform, va mm.VirtAddr) mm.PhysAddr {
	t.Helper()
	pa, err := p.Memory().VirtToPhys(va)
	if err != nil {
		t.Fatal(err)
	}
	return pa
}

func TestStartSecondaryCPUsSevFeatures(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	m.runAPs(ctx)
	m.launcher.SevFeatures = vmsa.SevFeatureSNPActive | 1<<2
	if _, err := m.launcher.StartSecondaryCPUs(ctx, []acpi.CPUInfo{{APICID: 5, Enabled: true}}); err != nil {
		t.Fatal(err)
	}
	created := m.platform.Created()
	if len(created) != 1 || created[0].SevFeatures != m.launcher.SevFeatures {
		t.Errorf("Created() = %+v, want SEV features 0x%x", created, m.launcher.SevFeatures)
	}
}

func TestStartSecondaryCPUsHostRejects(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	m.runAPs(ctx)
	m.platform.RejectAPCreate = func(req *ghcb.APCreateRequest) uint32 {
		if req.APICID == 2 {
			return 3
		}
		return 0
	}
	topology := []acpi.CPUInfo{{APICID: 1, Enabled: true}, {APICID: 2, Enabled: true}, {APICID: 3, Enabled: true}}
	n, err := m.launcher.StartSecondaryCPUs(ctx, topology)
	if n != 1 {
		t.Errorf("StartSecondaryCPUs() = %d, want 1", n)
	}
	if !errors.Is(err, smp.ErrAPCreate) || !errors.Is(err, ghcb.ErrHostRejected) {
		t.Fatalf("StartSecondaryCPUs() error = %v, want ErrAPCreate and ErrHostRejected", err)
	}
	if diff := cmp.Diff([]uint32{1}, m.createdIDs()); diff != "" {
		t.Errorf("created APs differ (-want +got):\n%s", diff)
	}
	if _, ok := m.area.ByAPICID(3); ok {
		t.Error("APIC-ID 3 was prepared after a fatal error")
	}
}

func TestStartSecondaryCPUsTimeout(t *testing.T) {
	m := newMachine(t)
	m.launcher.SpinLimit = 16
	n, err := m.launcher.StartSecondaryCPUs(context.Background(), []acpi.CPUInfo{{APICID: 1, Enabled: true}})
	if n != 0 || !errors.Is(err, smp.ErrAPTimeout) {
		t.Fatalf("StartSecondaryCPUs() = %d, %v, want 0, ErrAPTimeout", n, err)
	}
}

func TestStartSecondaryCPUsCanceled(t *testing.T) {
	m := newMachine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.launcher.StartSecondaryCPUs(ctx, []acpi.CPUInfo{{APICID: 1, Enabled: true}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("StartSecondaryCPUs() = %v, want context.Canceled", err)
	}
}

type farTranslator struct{}

func (farTranslator) VirtToPhys(mm.VirtAddr) (mm.PhysAddr, error) { return 1 << 50, nil }

func TestStartSecondaryCPUsErrors(t *testing.T) {
	tcs := []struct {
		name   string
		modify func(*machine)
		wantIs error
	}{
		{
			name: "allocation",
			modify: func(m *machine) {
				m.launcher.Allocator = smp.AllocatorFunc(func() (smp.PerCPU, error) {
					return nil, errors.New("no memory")
				})
			},
			wantIs: smp.ErrAlloc,
		},
		{
			name:   "address width",
			modify: func(m *machine) { m.launcher.Translator = farTranslator{} },
			wantIs: smp.ErrAddressWidth,
		},
		{
			name: "RMPADJUST",
			modify: func(m *machine) {
				m.platform.Intercept = func(op fakesnp.Op) (insn.Result, bool) {
					if op.Kind == fakesnp.OpRMPAdjust && op.Flags.Rights.Has(rmp.VMSAPage) {
						return insn.Result{Code: rmp.FailPermission}, true
					}
					return insn.Result{}, false
				}
			},
			wantIs: smp.ErrVMSA,
		},
		{
			name: "VMGEXIT fault",
			modify: func(m *machine) {
				m.platform.Intercept = func(op fakesnp.Op) (insn.Result, bool) {
					if op.Kind == fakesnp.OpVMGExit {
						return insn.Result{Faulted: true}, true
					}
					return insn.Result{}, false
				}
			},
			wantIs: ghcb.ErrExitFaulted,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine(t)
			ctx := context.Background()
			m.runAPs(ctx)
			tc.modify(m)
			n, err := m.launcher.StartSecondaryCPUs(ctx, []acpi.CPUInfo{{APICID: 1, Enabled: true}, {APICID: 2, Enabled: true}})
			if n != 0 || !errors.Is(err, tc.wantIs) {
				t.Fatalf("StartSecondaryCPUs() = %d, %v, want 0, %v", n, err, tc.wantIs)
			}
			if got := len(m.platform.Created()); got != 0 {
				t.Errorf("%d APs created after a fatal error", got)
			}
		})
	}
}

func TestStartSecondaryCPUsRMPError(t *testing.T) {
	m := newMachine(t)
	m.platform.Intercept = func(op fakesnp.Op) (insn.Result, bool) {
		if op.Kind == fakesnp.OpRMPAdjust && op.Flags.Target == rmp.VMPL2 {
			return insn.Result{Code: rmp.FailInput}, true
		}
		return insn.Result{}, false
	}
	_, err := m.launcher.StartSecondaryCPUs(context.Background(), []acpi.CPUInfo{{APICID: 1, Enabled: true}})
	var rerr *rmp.Error
	if !errors.As(err, &rerr) || rerr.Code != rmp.FailInput {
		t.Fatalf("StartSecondaryCPUs() = %v, want *rmp.Error with code %d", err, rmp.FailInput)
	}
}

func TestValidate(t *testing.T) {
	err := (&smp.Launcher{}).Validate()
	if got := len(multierr.Errors(err)); got != 5 {
		t.Errorf("Validate() reported %d problems, want 5: %v", got, err)
	}
	if !match.All(err, "executor", "allocator", "translator", "GHCB", "entry point") {
		t.Errorf("Validate() = %v, want every missing field named", err)
	}
	if _, err := (&smp.Launcher{}).StartSecondaryCPUs(context.Background(), nil); err == nil {
		t.Error("StartSecondaryCPUs() with an empty launcher succeeded")
	}
	if err := newMachine(t).launcher.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestStartAPSetupFails(t *testing.T) {
	p := fakesnp.New(1 << 20)
	area := &percpu.Area{
		Pages:      p,
		Translator: p.Memory(),
		Executor:   func(apicID uint32) insn.Executor { return p.CPU(apicID) },
	}
	cpu, err := area.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	cpu.SetAPICID(4)
	err = smp.StartAP(context.Background(), cpu)
	if !errors.Is(err, smp.ErrAPSetup) || !errors.Is(err, percpu.ErrNotSetUp) {
		t.Errorf("StartAP() = %v, want ErrAPSetup and ErrNotSetUp", err)
	}
	if cpu.IsOnline() {
		t.Error("AP is online after failed setup")
	}
}

func TestStartAPRegistersGHCB(t *testing.T) {
	m := newMachine(t)
	cpu, err := m.area.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	cpu.SetAPICID(9)
	if err := cpu.Setup(); err != nil {
		t.Fatal(err)
	}
	m.platform.ResetTrace()
	if err := smp.StartAP(context.Background(), cpu); err != nil {
		t.Fatalf("StartAP() = %v, want nil", err)
	}
	if !cpu.IsOnline() {
		t.Error("AP is not online after StartAP")
	}
	want := []fakesnp.Op{{Kind: fakesnp.OpWriteMSR, CPU: 9, VAddr: uint64(cpu.GHCB().PA)}}
	if diff := cmp.Diff(want, m.platform.Trace()); diff != "" {
		t.Errorf("StartAP() instructions differ (-want +got):\n%s", diff)
	}
}
