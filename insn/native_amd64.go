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

//go:build amd64
// +build amd64

package insn

import (
	"runtime/debug"
	"sync"
)

// pvalidate issues PVALIDATE and returns RAX and rFLAGS.CF.
func pvalidate(vaddr, huge, valid uint64) (ret, cf uint64)

// rmpadjust issues RMPADJUST and returns RAX.
func rmpadjust(vaddr, huge, attrs uint64) (ret uint64)

// vmgexit issues VMGEXIT (rep; vmmcall).
func vmgexit()

// wrmsr writes value to msr.
func wrmsr(msr uint32, value uint64)

// pause issues PAUSE.
func pause()

// cpuid issues CPUID.
func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

var (
	snpOnce  sync.Once
	snpFound bool

	// snpGuest reports whether the executing processor is an SEV-SNP guest.
	snpGuest = func() bool {
		snpOnce.Do(func() { snpFound = detectSNPGuest(cpuid) })
		return snpFound
	}
)

// Native issues the instructions on the executing processor. They are only meaningful at CPL 0
// in an SEV-SNP guest.
//
// A #GP or #PF raised by an instruction reaches Go as SIGSEGV or SIGBUS and is reported as
// Result{Faulted: true}. A #UD cannot be recovered, so when CPUID does not describe an SEV-SNP
// guest Native issues nothing and reports every instruction as faulted.
type Native struct{}

// Available returns true iff Native issues instructions on this processor.
func (Native) Available() bool { return snpGuest() }

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// faultable runs fn with address faults turned into recoverable panics for the duration.
func faultable(fn func() Result) Result {
	if !snpGuest() {
		return Result{Faulted: true}
	}
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	return Guard(fn)
}

// PValidate implements Executor.
func (Native) PValidate(vaddr uint64, huge, valid bool) Result {
	return faultable(func() Result {
		ret, cf := pvalidate(vaddr, b2u(huge), b2u(valid))
		return Result{Code: ret, Carry: cf != 0}
	})
}

// RMPAdjust implements Executor.
func (Native) RMPAdjust(vaddr uint64, huge bool, attrs uint64) Result {
	return faultable(func() Result {
		return Result{Code: rmpadjust(vaddr, b2u(huge), attrs)}
	})
}

// VMGExit implements Executor.
func (Native) VMGExit() Result {
	return faultable(func() Result {
		vmgexit()
		return Result{}
	})
}

// WriteMSR implements Executor.
func (Native) WriteMSR(msr uint32, value uint64) Result {
	return faultable(func() Result {
		wrmsr(msr, value)
		return Result{}
	})
}

// Pause implements Executor. PAUSE is valid on every x86-64 processor.
func (Native) Pause() { pause() }
