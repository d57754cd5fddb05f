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

package fakesnp

import (
	"errors"
	"sync"

	"github.com/google/go-svsm/mm"
	"github.com/google/go-svsm/rmp"
)

// ErrOutOfMemory is returned when guest memory is exhausted.
var ErrOutOfMemory = errors.New("out of guest memory")

// Memory is sparse guest memory behind a linear direct map.
type Memory struct {
	mm.LinearTranslator

	mu    sync.Mutex
	pages map[mm.PhysAddr][]byte
	next  mm.PhysAddr
}

func newMemory(size uint64) *Memory {
	return &Memory{
		LinearTranslator: mm.LinearTranslator{Offset: DirectMapBase, Size: size},
		pages:            make(map[mm.PhysAddr][]byte),
		// Keep physical page 0 unused so that a zero address is never a real page.
		next: mm.PageSize,
	}
}

func (m *Memory) page(pa mm.PhysAddr) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pages[mm.PhysAddr(uint64(pa)&^(mm.PageSize-1))]
	return b, ok
}

// Page returns the backing store of the 4KiB page at va, if it was allocated.
func (m *Memory) Page(va mm.VirtAddr) ([]byte, bool) {
	pa, err := m.VirtToPhys(va)
	if err != nil {
		return nil, false
	}
	return m.page(pa)
}

func (m *Memory) alloc() (mm.VirtAddr, mm.PhysAddr, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(m.next)+mm.PageSize > m.Size {
		return 0, 0, nil, ErrOutOfMemory
	}
	pa := m.next
	m.next += mm.PageSize
	b := make([]byte, mm.PageSize)
	m.pages[pa] = b
	va, err := m.PhysToVirt(pa)
	if err != nil {
		return 0, 0, nil, err
	}
	return va, pa, b, nil
}

// AllocPage returns a fresh, validated 4KiB page that no guest VMPL can access.
func (p *Platform) AllocPage() (mm.VirtAddr, []byte, error) {
	va, pa, b, err := p.memory.alloc()
	if err != nil {
		return 0, nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entry(pa)
	e.validated = true
	e.rights = [4]rmp.Rights{}
	return va, b, nil
}
