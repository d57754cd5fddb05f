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

package mm

// Region represents a half-open span [Start, Start+Length) of virtual memory.
type Region struct {
	Start  VirtAddr
	Length uint64
}

// RegionRange returns the region [from, to).
func RegionRange(from, to VirtAddr) Region {
	if to <= from {
		return Region{}
	}
	return Region{Start: from, Length: uint64(to) - uint64(from)}
}

// End returns the first address past the region.
func (r Region) End() VirtAddr {
	return r.Start.Add(r.Length)
}

// Contains returns true iff a lies inside r.
func (r Region) Contains(a VirtAddr) bool {
	return a >= r.Start && a < r.End()
}

// Intersect returns the part of r that other also covers. Disjoint regions give the zero Region.
func (r Region) Intersect(other Region) Region {
	start, end := r.Start, r.End()
	if other.Start > start {
		start = other.Start
	}
	if oend := other.End(); oend < end {
		end = oend
	}
	if end <= start {
		return Region{}
	}
	return Region{Start: start, Length: uint64(end - start)}
}
