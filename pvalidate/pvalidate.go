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

// Package pvalidate changes the validated state of guest pages with PVALIDATE.
package pvalidate

import (
	"errors"
	"fmt"

	"github.com/google/go-svsm/insn"
	"github.com/google/go-svsm/mm"
)

// PVALIDATE return codes, AMD APM Vol 3.
const (
	// FailInput is returned for invalid input parameters.
	FailInput = 1
	// FailSizeMismatch is returned when a 2MiB validation is requested for a page that the RMP or
	// the nested page tables map with 4KiB granularity.
	FailSizeMismatch = 6
)

var (
	// ErrUnaligned is returned when a range boundary is not 4KiB-aligned.
	ErrUnaligned = errors.New("range boundary is not page aligned")
	// ErrInvertedRange is returned when a range ends before it starts.
	ErrInvertedRange = errors.New("range end precedes start")
)

// Error is the outcome of a PVALIDATE that did not change the page state as requested.
type Error struct {
	// Code is the PVALIDATE return code.
	Code uint64
	// Changed is false when the instruction succeeded without changing the validated state.
	Changed bool
	// Faulted is true when the instruction raised an exception instead of completing.
	Faulted bool
}

func (e *Error) Error() string {
	if e.Faulted {
		return "pvalidate: instruction faulted"
	}
	return fmt.Sprintf("pvalidate: code %d (changed=%v)", e.Code, e.Changed)
}

// IsSizeMismatch returns true iff err is a PVALIDATE size-mismatch failure.
func IsSizeMismatch(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && !perr.Faulted && perr.Code == FailSizeMismatch
}

// Page validates (valid=true) or invalidates the single page at vaddr. The page is 2MiB when
// huge is set, 4KiB otherwise.
func Page(x insn.Executor, vaddr mm.VirtAddr, huge, valid bool) error {
	r := x.PValidate(uint64(vaddr), huge, valid)
	if r.Faulted {
		return &Error{Code: FailInput, Faulted: true}
	}
	changed := !r.Carry
	if r.Code == 0 && changed {
		return nil
	}
	return &Error{Code: r.Code, Changed: changed}
}

func range4K(x insn.Executor, start, end mm.VirtAddr, valid bool) error {
	for addr := start; addr < end; addr = addr.Add(mm.PageSize) {
		if err := Page(x, addr, false, valid); err != nil {
			return err
		}
	}
	return nil
}

// Range transitions every page in [start, end) to the requested validated state. Each
// 2MiB-aligned 2MiB span that fits in the range is first attempted as one large page and falls
// back to 4KiB pages only when the hardware reports a size mismatch.
func Range(x insn.Executor, start, end mm.VirtAddr, valid bool) error {
	if !start.IsAligned(mm.PageSize) || !end.IsAligned(mm.PageSize) {
		return fmt.Errorf("[%v, %v): %w", start, end, ErrUnaligned)
	}
	if end < start {
		return fmt.Errorf("[%v, %v): %w", start, end, ErrInvertedRange)
	}
	addr := start
	for addr < end {
		if addr.IsAligned(mm.PageSize2M) && uint64(end-addr) >= mm.PageSize2M {
			err := Page(x, addr, true, valid)
			if IsSizeMismatch(err) {
				err = range4K(x, addr, addr.Add(mm.PageSize2M), valid)
			}
			if err != nil {
				return err
			}
			addr = addr.Add(mm.PageSize2M)
			continue
		}
		if err := Page(x, addr, false, valid); err != nil {
			return err
		}
		addr = addr.Add(mm.PageSize)
	}
	return nil
}
