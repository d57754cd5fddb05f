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

package rmp

import (
	"fmt"
	"strings"
)

// VMPL is a virtual machine privilege level. VMPL0 is the most privileged.
type VMPL uint8

// The four VMPLs of an SEV-SNP guest.
const (
	VMPL0 VMPL = iota
	VMPL1
	VMPL2
	VMPL3
)

// Rights is a set of page access rights that RMPADJUST grants to a target VMPL.
type Rights uint16

// Rights as they appear in bits 15:8 and bit 16 of the RMPADJUST attribute word. The values
// mirror the per-VMPL permission bits of the SNP PAGE_INFO structure shifted into place.
const (
	Read              Rights = 1 << 0
	Write             Rights = 1 << 1
	ExecuteUser       Rights = 1 << 2
	ExecuteSupervisor Rights = 1 << 3
	// VMSAPage marks the page as a VM save area for the target VMPL.
	VMSAPage Rights = 1 << 8

	// None revokes every right.
	None Rights = 0
	// RWX is full guest access.
	RWX = Read | Write | ExecuteUser | ExecuteSupervisor
	// VMSA is the only access a VMSA page may carry.
	VMSA = Read | VMSAPage

	rightsMask = RWX | VMSAPage
)

// Has returns true iff every right in want is in r.
func (r Rights) Has(want Rights) bool { return r&want == want }

func (r Rights) String() string {
	if r == None {
		return "none"
	}
	var parts []string
	for _, n := range []struct {
		r    Rights
		name string
	}{
		{Read, "R"}, {Write, "W"}, {ExecuteUser, "Xu"}, {ExecuteSupervisor, "Xs"}, {VMSAPage, "VMSA"},
	} {
		if r.Has(n.r) {
			parts = append(parts, n.name)
		}
	}
	if extra := r &^ rightsMask; extra != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint16(extra)))
	}
	return strings.Join(parts, "|")
}

// Flags is the RMPADJUST attribute word: a target VMPL and the rights requested for it. The two
// axes are only combined by Attributes, so neither can spill into the other.
type Flags struct {
	Target VMPL
	Rights Rights
}

// At returns the flags that request rights for the target VMPL.
func At(target VMPL, rights Rights) Flags {
	return Flags{Target: target, Rights: rights}
}

// Valid returns true iff f targets one of the four VMPLs.
func (f Flags) Valid() bool { return f.Target <= VMPL3 }

// Attributes returns the RDX operand of RMPADJUST. The target byte is passed through unchanged,
// so an invalid target is rejected by the hardware rather than remapped to another VMPL.
func (f Flags) Attributes() uint64 {
	return uint64(f.Target) | uint64(f.Rights&rightsMask)<<8
}

// FromAttributes decodes an RMPADJUST attribute word.
func FromAttributes(attrs uint64) Flags {
	return Flags{Target: VMPL(attrs & 0xff), Rights: Rights(attrs>>8) & rightsMask}
}

func (f Flags) String() string {
	return fmt.Sprintf("VMPL%d:%v", f.Target, f.Rights)
}
