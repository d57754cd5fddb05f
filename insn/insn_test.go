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

package insn

import (
	"testing"
)

func TestKind(t *testing.T) {
	tcs := []struct {
		name string
		r    Result
		want Kind
	}{
		{name: "zero", want: KindSuccess},
		{name: "carry alone", r: Result{Carry: true}, want: KindSuccess},
		{name: "code", r: Result{Code: 6}, want: KindFailure},
		{name: "fault wins", r: Result{Code: 6, Faulted: true}, want: KindFault},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.r.Kind(); got != tc.want {
				t.Errorf("%+v.Kind() = %v, want %v", tc.r, got, tc.want)
			}
		})
	}
}

type node struct{ next *node }

func TestGuardTrapsFault(t *testing.T) {
	var n *node
	got := Guard(func() Result {
		if n.next != nil {
			return Result{Code: 3}
		}
		return Result{Code: 4}
	})
	if !got.Faulted {
		t.Errorf("Guard() = %+v, want Faulted", got)
	}
}

func TestGuardPassesResult(t *testing.T) {
	want := Result{Code: 2, Carry: true}
	if got := Guard(func() Result { return want }); got != want {
		t.Errorf("Guard() = %+v, want %+v", got, want)
	}
}

func TestGuardRepanics(t *testing.T) {
	defer func() {
		if e := recover(); e != "not a fault" {
			t.Errorf("recover() = %v, want \"not a fault\"", e)
		}
	}()
	Guard(func() Result { panic("not a fault") })
	t.Fatal("Guard() returned")
}

// leaves is a CPUID table keyed by leaf.
type leaves map[uint32][4]uint32

func (l leaves) cpuid(leaf, _ uint32) (eax, ebx, ecx, edx uint32) {
	r := l[leaf]
	return r[0], r[1], r[2], r[3]
}

func TestDetectSNPGuest(t *testing.T) {
	tcs := []struct {
		name   string
		leaves leaves
		want   bool
	}{
		{
			name: "snp guest",
			leaves: leaves{
				cpuidFeatures:         {0, 0, hypervisorPresent, 0},
				cpuidMaxExtended:      {cpuidMemoryEncryption, 0, 0, 0},
				cpuidMemoryEncryption: {0x1f, 0x16f, 0, 0},
			},
			want: true,
		},
		{
			name: "bare metal snp host",
			leaves: leaves{
				cpuidMaxExtended:      {0x80000028, 0, 0, 0},
				cpuidMemoryEncryption: {0x1f, 0x16f, 0, 0},
			},
		},
		{
			name: "guest without snp",
			leaves: leaves{
				cpuidFeatures:         {0, 0, hypervisorPresent, 0},
				cpuidMaxExtended:      {cpuidMemoryEncryption, 0, 0, 0},
				cpuidMemoryEncryption: {0x0b, 0, 0, 0},
			},
		},
		{
			name: "no memory encryption leaf",
			leaves: leaves{
				cpuidFeatures:         {0, 0, hypervisorPresent, 0},
				cpuidMaxExtended:      {0x80000008, 0, 0, 0},
				cpuidMemoryEncryption: {0x1f, 0, 0, 0},
			},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if got := detectSNPGuest(tc.leaves.cpuid); got != tc.want {
				t.Errorf("detectSNPGuest() = %v, want %v", got, tc.want)
			}
		})
	}
}
