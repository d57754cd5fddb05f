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

// Package mm defines the address vocabulary shared by the memory-isolation primitives and the AP
// launch sequencer.
package mm

import (
	"fmt"

	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/pkg/errors"
)

const (
	// PageSize is the small (4 KiB) page granularity.
	PageSize = 0x1000
	// PageSize2M is the large (2 MiB) page granularity.
	PageSize2M = 0x200000
	// PagesPer2M is the number of small pages in one large page.
	PagesPer2M = PageSize2M / PageSize
)

var (
	// ErrNoTranslation is returned by a Translator for an address it does not map.
	ErrNoTranslation = errors.New("no physical translation for virtual address")

	bitWidth = map[sgpb.SevProduct_SevProductName]int{
		sgpb.SevProduct_SEV_PRODUCT_MILAN: 48,
		sgpb.SevProduct_SEV_PRODUCT_GENOA: 52,
	}
)

// VirtAddr is a virtual address in the module's own address space.
type VirtAddr uint64

// PhysAddr is a guest physical address.
type PhysAddr uint64

func (a VirtAddr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

func (a PhysAddr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// IsAligned returns true iff a is a multiple of align. align must be a power of two.
func (a VirtAddr) IsAligned(align uint64) bool {
	return uint64(a)&(align-1) == 0
}

// AlignDown rounds a down to a multiple of align. align must be a power of two.
func (a VirtAddr) AlignDown(align uint64) VirtAddr {
	return VirtAddr(uint64(a) &^ (align - 1))
}

// Add returns a+n.
func (a VirtAddr) Add(n uint64) VirtAddr {
	return VirtAddr(uint64(a) + n)
}

// IsAligned returns true iff a is a multiple of align. align must be a power of two.
func (a PhysAddr) IsAligned(align uint64) bool {
	return uint64(a)&(align-1) == 0
}

// Translator resolves the physical address backing a virtual address.
type Translator interface {
	VirtToPhys(VirtAddr) (PhysAddr, error)
}

// LinearTranslator translates addresses of a direct map where every virtual address is its
// physical address plus Offset, for virtual addresses in [Offset, Offset+Size).
type LinearTranslator struct {
	Offset uint64
	Size   uint64
}

// VirtToPhys implements Translator.
func (t LinearTranslator) VirtToPhys(va VirtAddr) (PhysAddr, error) {
	if uint64(va) < t.Offset || uint64(va)-t.Offset >= t.Size {
		return 0, errors.Wrapf(ErrNoTranslation, "%v outside direct map [0x%x, 0x%x)", va,
			t.Offset, t.Offset+t.Size)
	}
	return PhysAddr(uint64(va) - t.Offset), nil
}

// PhysToVirt is the inverse of VirtToPhys.
func (t LinearTranslator) PhysToVirt(pa PhysAddr) (VirtAddr, error) {
	if uint64(pa) >= t.Size {
		return 0, errors.Wrapf(ErrNoTranslation, "%v outside direct map of size 0x%x", pa, t.Size)
	}
	return VirtAddr(uint64(pa) + t.Offset), nil
}

// ProductHighAddress returns the highest page-aligned guest physical address a given product can
// represent, as limited by CPUID Fn80000008_EAX.
func ProductHighAddress(product sgpb.SevProduct_SevProductName) PhysAddr {
	width, ok := bitWidth[product]
	if !ok {
		width = bitWidth[sgpb.SevProduct_SEV_PRODUCT_MILAN]
	}
	return PhysAddr(((uint64(1) << width) - 1) & ^uint64(PageSize-1))
}
