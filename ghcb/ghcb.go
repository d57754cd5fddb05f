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

// Package ghcb implements the Guest-Hypervisor Communication Block requests the module makes.
// Types and values are specified in the SEV-ES Guest-Hypervisor Communication Block
// Standardization, revision 2.02.
package ghcb

import (
	"encoding/binary"
	"fmt"

	"github.com/google/go-svsm/insn"
	"github.com/google/go-svsm/mm"
	"github.com/pkg/errors"
)

// The GHCB save area shares its layout with the VMSA.
const (
	offsetRax             = 0x1f8
	offsetSwExitCode      = 0x390
	offsetSwExitInfo1     = 0x398
	offsetSwExitInfo2     = 0x3a0
	offsetValidBitmap     = 0x3f0
	offsetProtocolVersion = 0xffa
	offsetUsage           = 0xffc

	sizeofValidBitmap = 16

	// ProtocolVersion is the GHCB protocol version this package speaks.
	ProtocolVersion = 2
	// ExitAPCreation is the SW_EXITCODE of the AP creation NAE event.
	ExitAPCreation = 0x80000013
)

// AP creation actions, carried in SW_EXITINFO1[31:0].
const (
	// APCreateOnInit creates the vCPU and starts it on the next INIT.
	APCreateOnInit = 0
	// APCreate creates the vCPU and starts it immediately.
	APCreate = 1
	// APDestroy destroys the vCPU.
	APDestroy = 2
)

var (
	// ErrShort is returned for a page smaller than 4KiB.
	ErrShort = errors.New("GHCB page is smaller than 4KiB")
	// ErrHostRejected is returned when the hypervisor reports a failed request.
	ErrHostRejected = errors.New("hypervisor rejected the request")
	// ErrExitFaulted is returned when VMGEXIT itself faulted.
	ErrExitFaulted = errors.New("VMGEXIT faulted")
	// ErrRegister is returned when the GHCB MSR cannot be written.
	ErrRegister = errors.New("could not register GHCB")
)

// Page is the 4KiB GHCB in its ABI format.
type Page []byte

func (p Page) get(off int) uint64 { return binary.LittleEndian.Uint64(p[off : off+8]) }

func (p Page) put(off int, v uint64) {
	binary.LittleEndian.PutUint64(p[off:off+8], v)
	p[offsetValidBitmap+off/64] |= 1 << ((off / 8) % 8)
}

// Valid returns true iff the quadword at off was marked valid by its writer.
func (p Page) Valid(off int) bool {
	return p[offsetValidBitmap+off/64]&(1<<((off/8)%8)) != 0
}

// Rax returns the RAX field.
func (p Page) Rax() uint64 { return p.get(offsetRax) }

// SetRax sets the RAX field and marks it valid.
func (p Page) SetRax(v uint64) { p.put(offsetRax, v) }

// SwExitCode returns the SW_EXITCODE field.
func (p Page) SwExitCode() uint64 { return p.get(offsetSwExitCode) }

// SetSwExitCode sets the SW_EXITCODE field and marks it valid.
func (p Page) SetSwExitCode(v uint64) { p.put(offsetSwExitCode, v) }

// SwExitInfo1 returns the SW_EXITINFO1 field.
func (p Page) SwExitInfo1() uint64 { return p.get(offsetSwExitInfo1) }

// SetSwExitInfo1 sets the SW_EXITINFO1 field and marks it valid.
func (p Page) SetSwExitInfo1(v uint64) { p.put(offsetSwExitInfo1, v) }

// SwExitInfo2 returns the SW_EXITINFO2 field.
func (p Page) SwExitInfo2() uint64 { return p.get(offsetSwExitInfo2) }

// SetSwExitInfo2 sets the SW_EXITINFO2 field and marks it valid.
func (p Page) SetSwExitInfo2(v uint64) { p.put(offsetSwExitInfo2, v) }

// Version returns the protocol version field.
func (p Page) Version() uint16 {
	return binary.LittleEndian.Uint16(p[offsetProtocolVersion : offsetProtocolVersion+2])
}

// Clear zeroes the save area and valid bitmap and stamps the protocol version and usage.
func (p Page) Clear() {
	for i := 0; i < offsetValidBitmap+sizeofValidBitmap; i++ {
		p[i] = 0
	}
	binary.LittleEndian.PutUint16(p[offsetProtocolVersion:offsetProtocolVersion+2], ProtocolVersion)
	binary.LittleEndian.PutUint32(p[offsetUsage:offsetUsage+4], 0)
}

// APCreateRequest is the decoded content of an AP creation NAE event.
type APCreateRequest struct {
	APICID      uint32
	VMPL        uint8
	Action      uint32
	VMSA        mm.PhysAddr
	SevFeatures uint64
}

// APCreateRequest decodes the page as an AP creation request.
func (p Page) APCreateRequest() (*APCreateRequest, error) {
	if p.SwExitCode() != ExitAPCreation {
		return nil, fmt.Errorf("SW_EXITCODE 0x%x is not AP creation", p.SwExitCode())
	}
	for _, off := range []int{offsetRax, offsetSwExitCode, offsetSwExitInfo1, offsetSwExitInfo2} {
		if !p.Valid(off) {
			return nil, fmt.Errorf("GHCB field at 0x%x is not marked valid", off)
		}
	}
	info1 := p.SwExitInfo1()
	return &APCreateRequest{
		APICID:      uint32(info1 >> 32),
		VMPL:        uint8(info1 >> 16),
		Action:      uint32(info1 & 0xffff),
		VMSA:        mm.PhysAddr(p.SwExitInfo2()),
		SevFeatures: p.Rax(),
	}, nil
}

// GHCB is a processor's registered communication block.
type GHCB struct {
	Page Page
	VA   mm.VirtAddr
	PA   mm.PhysAddr
}

// New returns a GHCB over a 4KiB shared page.
func New(page []byte, va mm.VirtAddr, pa mm.PhysAddr) (*GHCB, error) {
	if len(page) < mm.PageSize {
		return nil, ErrShort
	}
	return &GHCB{Page: Page(page[:mm.PageSize]), VA: va, PA: pa}, nil
}

// Register makes g the current processor's GHCB.
func (g *GHCB) Register(x insn.Executor) error {
	if r := x.WriteMSR(insn.MsrGHCB, uint64(g.PA)); r.Kind() != insn.KindSuccess {
		return errors.Wrapf(ErrRegister, "GHCB at %v (%v)", g.PA, r.Kind())
	}
	return nil
}

func (g *GHCB) exit(x insn.Executor) error {
	if r := x.VMGExit(); r.Faulted {
		return ErrExitFaulted
	}
	if code := g.Page.SwExitInfo1() & 0xffffffff; code != 0 {
		return errors.Wrapf(ErrHostRejected, "SW_EXITINFO1=0x%x SW_EXITINFO2=0x%x", code,
			g.Page.SwExitInfo2())
	}
	return nil
}

// APCreate asks the hypervisor to bind a vCPU for apicID to the VMSA at vmsaPA, running at vmpl.
func (g *GHCB) APCreate(x insn.Executor, vmsaPA mm.PhysAddr, apicID uint32, vmpl uint8, action uint32, sevFeatures uint64) error {
	g.Page.Clear()
	g.Page.SetRax(sevFeatures)
	g.Page.SetSwExitCode(ExitAPCreation)
	g.Page.SetSwExitInfo1(uint64(apicID)<<32 | uint64(vmpl)<<16 | uint64(action&0xffff))
	g.Page.SetSwExitInfo2(uint64(vmsaPA))
	if err := g.exit(x); err != nil {
		return errors.Wrapf(err, "AP creation for APIC-ID %d", apicID)
	}
	return nil
}
