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

package acpi

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-svsm/testing/match"
)

func TestParseMADTRoundTrip(t *testing.T) {
	want := []CPUInfo{
		{APICID: 0, Enabled: true},
		{APICID: 2, Enabled: false},
		{APICID: 1, Enabled: true},
		{APICID: 0x1234, Enabled: true},
	}
	got, err := ParseMADT(MarshalMADT(want))
	if err != nil {
		t.Fatalf("ParseMADT() = _, %v, want nil", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseMADT() returned diff (-want +got):\n%s", diff)
	}
}

func TestParseMADTSkipsOtherEntries(t *testing.T) {
	data := MarshalMADT([]CPUInfo{{APICID: 0, Enabled: true}})
	// An I/O APIC entry (type 1, 12 bytes).
	data = append(data, 1, 12, 0, 0, 0, 0, 0xc0, 0xfe, 0, 0, 0, 0)
	data[4] += 12
	data[9] = 0
	data[9] = -checksum(data)
	got, err := ParseMADT(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]CPUInfo{{APICID: 0, Enabled: true}}, got); diff != "" {
		t.Errorf("ParseMADT() returned diff (-want +got):\n%s", diff)
	}
}

func TestParseMADTErrors(t *testing.T) {
	good := MarshalMADT([]CPUInfo{{APICID: 0, Enabled: true}, {APICID: 1, Enabled: true}})
	mutate := func(f func([]byte) []byte) []byte {
		data := append([]byte(nil), good...)
		return f(data)
	}
	tcs := []struct {
		name    string
		data    []byte
		wantIs  error
		wantErr string
	}{
		{name: "short", data: good[:10], wantErr: "MADT too small"},
		{
			name:   "signature",
			data:   mutate(func(d []byte) []byte { copy(d, "FACP"); return d }),
			wantIs: ErrBadSignature,
		},
		{
			name:   "checksum",
			data:   mutate(func(d []byte) []byte { d[SizeofMADTFixed+3] ^= 0x40; return d }),
			wantIs: ErrBadChecksum,
		},
		{
			name:    "length past data",
			data:    mutate(func(d []byte) []byte { d[4] += 8; return d }),
			wantErr: "MADT length",
		},
		{
			name:   "duplicate",
			data:   MarshalMADT([]CPUInfo{{APICID: 3, Enabled: true}, {APICID: 3}}),
			wantIs: ErrDuplicateAPICID,
		},
		{
			name: "zero-length entry",
			data: mutate(func(d []byte) []byte {
				d[SizeofMADTFixed+1] = 0
				d[9] = 0
				d[9] = -checksum(d)
				return d
			}),
			wantErr: "bad length 0",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMADT(tc.data)
			if tc.wantIs != nil {
				if !errors.Is(err, tc.wantIs) {
					t.Errorf("ParseMADT() = %v, want %v", err, tc.wantIs)
				}
				return
			}
			if !match.Error(err, tc.wantErr) {
				t.Errorf("ParseMADT() = %v, want %q", err, tc.wantErr)
			}
		})
	}
}
