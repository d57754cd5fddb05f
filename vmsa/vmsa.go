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

// Package vmsa builds the VMCB save area (VMSA) a secondary processor is launched from.
package vmsa

import (
	"encoding/binary"
	"fmt"

	"github.com/google/go-svsm/mm"
)

// Types and values specified in AMD64 Architecture Programmer's Manual Volume 2, Table B-4, and
// the SEV-SNP firmware ABI.
const (
	// SizeofVmcbSeg is the ABI size of an AMD-V VMCB segment struct.
	SizeofVmcbSeg = 16
	// SizeofVmsa is the ABI size of the SEV-ES VMCB secure save area.
	SizeofVmsa = 0x670

	// SevFeatureSNPActive is SEV_FEATURES bit 0, set for every SNP guest vCPU.
	SevFeatureSNPActive = 1 << 0

	EferSCE   = 1 << 0
	EferLME   = 1 << 8
	EferLMA   = 1 << 10
	EferNXE   = 1 << 11
	EferSVME  = 1 << 12
	Cr0PE     = 1 << 0
	Cr0MP     = 1 << 1
	Cr0ET     = 1 << 4
	Cr0NE     = 1 << 5
	Cr0WP     = 1 << 16
	Cr0PG     = 1 << 31
	Cr4PAE    = 1 << 5
	Cr4PGE    = 1 << 7
	Cr4OSFXSR = 1 << 9
	Cr4XMMEXC = 1 << 10

	defaultGPat = 0x0007040600070406
)

// VmcbSeg is a VMCB segment register.
type VmcbSeg struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// VMSA is the part of the save area this module initializes. Every other byte of the page is
// zero.
type VMSA struct {
	Es, Cs, Ss, Ds, Fs, Gs VmcbSeg
	Gdtr, Ldtr, Idtr, Tr   VmcbSeg

	Vmpl        uint8
	Cpl         uint8
	Efer        uint64
	Cr4         uint64
	Cr3         uint64
	Cr0         uint64
	Dr7         uint64
	Dr6         uint64
	Rflags      uint64
	Rip         uint64
	Rsp         uint64
	Rax         uint64
	GPat        uint64
	SevFeatures uint64
	Xcr0        uint64
}

// Default returns the 64-bit flat long-mode state a processor of this module starts in.
func Default() *VMSA {
	code := VmcbSeg{Selector: 0x08, Attrib: 0x029b, Limit: 0xffffffff}
	data := VmcbSeg{Selector: 0x10, Attrib: 0x0c93, Limit: 0xffffffff}
	return &VMSA{
		Es:          data,
		Cs:          code,
		Ss:          data,
		Ds:          data,
		Fs:          data,
		Gs:          data,
		Ldtr:        VmcbSeg{Attrib: 0x0082, Limit: 0xffff},
		Tr:          VmcbSeg{Attrib: 0x0089, Limit: 0xffff},
		Efer:        EferSCE | EferLME | EferLMA | EferNXE,
		Cr0:         Cr0PE | Cr0MP | Cr0ET | Cr0NE | Cr0WP | Cr0PG,
		Cr4:         Cr4PAE | Cr4PGE | Cr4OSFXSR | Cr4XMMEXC,
		Dr6:         0xffff0ff0,
		Dr7:         0x00000400,
		Rflags:      0x2,
		GPat:        defaultGPat,
		Xcr0:        0x1,
		SevFeatures: SevFeatureSNPActive,
	}
}

// PrepareForLaunch points v at the processor's entry trampoline and initial stack.
func (v *VMSA) PrepareForLaunch(entry, stackTop uint64) {
	v.Rip = entry
	v.Rsp = stackTop
	v.Rax = 0
}

// Enable makes the save area runnable by setting EFER.SVME.
func (v *VMSA) Enable() {
	v.Efer |= EferSVME
}

// Enabled returns true iff Enable was called.
func (v *VMSA) Enabled() bool {
	return v.Efer&EferSVME != 0
}

func putVmcbSeg(s *VmcbSeg, data []byte) {
	binary.LittleEndian.PutUint16(data[0:2], s.Selector)
	binary.LittleEndian.PutUint16(data[2:4], s.Attrib)
	binary.LittleEndian.PutUint32(data[4:8], s.Limit)
	binary.LittleEndian.PutUint64(data[8:SizeofVmcbSeg], s.Base)
}

func getVmcbSeg(data []byte) VmcbSeg {
	return VmcbSeg{
		Selector: binary.LittleEndian.Uint16(data[0:2]),
		Attrib:   binary.LittleEndian.Uint16(data[2:4]),
		Limit:    binary.LittleEndian.Uint32(data[4:8]),
		Base:     binary.LittleEndian.Uint64(data[8:SizeofVmcbSeg]),
	}
}

func (v *VMSA) segments() []*VmcbSeg {
	return []*VmcbSeg{&v.Es, &v.Cs, &v.Ss, &v.Ds, &v.Fs, &v.Gs, &v.Gdtr, &v.Ldtr, &v.Idtr, &v.Tr}
}

// the 64-bit fields outside of the segment registers, by ABI offset.
func (v *VMSA) quads() []struct {
	off int
	p   *uint64
} {
	return []struct {
		off int
		p   *uint64
	}{
		{0xD0, &v.Efer},
		{0x148, &v.Cr4},
		{0x150, &v.Cr3},
		{0x158, &v.Cr0},
		{0x160, &v.Dr7},
		{0x168, &v.Dr6},
		{0x170, &v.Rflags},
		{0x178, &v.Rip},
		{0x1D8, &v.Rsp},
		{0x1F8, &v.Rax},
		{0x268, &v.GPat},
		{0x3B0, &v.SevFeatures},
		{0x3E8, &v.Xcr0},
	}
}

// Put writes the VMSA in its ABI format to data and zeroes the rest of the save area.
func (v *VMSA) Put(data []byte) error {
	if len(data) < SizeofVmsa {
		return fmt.Errorf("data too small for VMSA: %d < %d", len(data), SizeofVmsa)
	}
	for i := 0; i < SizeofVmsa; i++ {
		data[i] = 0
	}
	for i, s := range v.segments() {
		putVmcbSeg(s, data[i*SizeofVmcbSeg:(i+1)*SizeofVmcbSeg])
	}
	data[0xCA] = v.Vmpl
	data[0xCB] = v.Cpl
	for _, q := range v.quads() {
		binary.LittleEndian.PutUint64(data[q.off:q.off+8], *q.p)
	}
	return nil
}

// Read parses a VMSA from its ABI format.
func Read(data []byte) (*VMSA, error) {
	if len(data) < SizeofVmsa {
		return nil, fmt.Errorf("data too small for VMSA: %d < %d", len(data), SizeofVmsa)
	}
	v := &VMSA{}
	for i, s := range v.segments() {
		*s = getVmcbSeg(data[i*SizeofVmcbSeg : (i+1)*SizeofVmcbSeg])
	}
	v.Vmpl = data[0xCA]
	v.Cpl = data[0xCB]
	for _, q := range v.quads() {
		*q.p = binary.LittleEndian.Uint64(data[q.off : q.off+8])
	}
	return v, nil
}

// Image is a VMSA bound to the page that holds it.
type Image struct {
	*VMSA
	Page []byte
	VA   mm.VirtAddr
}

// NewImage returns an image of the default VMSA backed by a 4KiB page.
func NewImage(page []byte, va mm.VirtAddr) (*Image, error) {
	if len(page) < mm.PageSize {
		return nil, fmt.Errorf("VMSA page too small: %d < %d", len(page), mm.PageSize)
	}
	if !va.IsAligned(mm.PageSize) {
		return nil, fmt.Errorf("VMSA page at %v is not page aligned", va)
	}
	return &Image{VMSA: Default(), Page: page[:mm.PageSize], VA: va}, nil
}

// Commit serializes the VMSA into its page.
func (img *Image) Commit() error {
	return img.VMSA.Put(img.Page)
}
