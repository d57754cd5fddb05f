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

// Package rmp adjusts Reverse Map Table permissions of guest pages for the less privileged VMPLs
// and composes those adjustments into page-repurposing protocols.
package rmp

import (
	"fmt"

	"github.com/google/go-svsm/insn"
	"github.com/google/go-svsm/mm"
)

// RMPADJUST return codes, AMD APM Vol 3.
const (
	// FailInput is returned for invalid input parameters. A faulting RMPADJUST reports it too.
	FailInput = 1
	// FailPermission is returned when the requested rights exceed the caller's.
	FailPermission = 2
	// FailSizeMismatch is returned when a 2MiB adjustment targets a 4KiB RMP entry.
	FailSizeMismatch = 6

	// bucketThreshold is the first code the guest-access operations do not report verbatim.
	bucketThreshold = 0x10
	// CodeOutOfRange is the single code guest-access operations report for codes at or above 0x10.
	CodeOutOfRange = 0x11
)

// Error is a failed RMPADJUST.
type Error struct {
	// Code is the RMPADJUST return code, or FailInput when Faulted.
	Code uint64
	// Faulted is true when the instruction raised an exception instead of completing.
	Faulted bool
}

func (e *Error) Error() string {
	if e.Faulted {
		return fmt.Sprintf("rmpadjust: instruction faulted (code %d)", e.Code)
	}
	return fmt.Sprintf("rmpadjust: code 0x%x", e.Code)
}

// Adjust issues RMPADJUST for the page at vaddr, 2MiB when huge is set. Flags that target no
// VMPL fail with FailInput without issuing the instruction.
func Adjust(x insn.Executor, vaddr mm.VirtAddr, flags Flags, huge bool) error {
	if !flags.Valid() {
		return &Error{Code: FailInput}
	}
	r := x.RMPAdjust(uint64(vaddr), huge, flags.Attributes())
	switch r.Kind() {
	case insn.KindSuccess:
		return nil
	case insn.KindFailure:
		return &Error{Code: r.Code}
	default:
		return &Error{Code: FailInput, Faulted: true}
	}
}

// AdjustBucketed is Adjust with every code at or above 0x10 reported as CodeOutOfRange.
func AdjustBucketed(x insn.Executor, vaddr mm.VirtAddr, flags Flags, huge bool) error {
	return bucket(Adjust(x, vaddr, flags, huge))
}

func bucket(err error) error {
	rerr, ok := err.(*Error)
	if !ok || rerr.Code < bucketThreshold {
		return err
	}
	return &Error{Code: CodeOutOfRange, Faulted: rerr.Faulted}
}

// RevokeGuestAccess removes every right of VMPL1, VMPL2 and VMPL3, in that order, stopping at the
// first failure.
func RevokeGuestAccess(x insn.Executor, vaddr mm.VirtAddr, huge bool) error {
	for _, vmpl := range []VMPL{VMPL1, VMPL2, VMPL3} {
		if err := AdjustBucketed(x, vaddr, At(vmpl, None), huge); err != nil {
			return err
		}
	}
	return nil
}

// GrantGuestAccess gives VMPL1 full access.
func GrantGuestAccess(x insn.Executor, vaddr mm.VirtAddr, huge bool) error {
	return AdjustBucketed(x, vaddr, At(VMPL1, RWX), huge)
}

// SetGuestVMSA turns the 4KiB page at vaddr into a VMSA page. Guest access is revoked before the
// page is marked so that it is never writable and VMSA at the same time.
func SetGuestVMSA(x insn.Executor, vaddr mm.VirtAddr) error {
	if err := RevokeGuestAccess(x, vaddr, false); err != nil {
		return err
	}
	return AdjustBucketed(x, vaddr, At(VMPL1, VMSA), false)
}

// ClearGuestVMSA returns a VMSA page at vaddr to ordinary guest use.
func ClearGuestVMSA(x insn.Executor, vaddr mm.VirtAddr) error {
	if err := RevokeGuestAccess(x, vaddr, false); err != nil {
		return err
	}
	return GrantGuestAccess(x, vaddr, false)
}
