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

// Package acpi extracts the processor topology from the ACPI Multiple APIC Description Table.
package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Types and values specified in the ACPI Specification 6.5, section 5.2.12.
const (
	// SizeofHeader is the size of the common ACPI system description table header.
	SizeofHeader = 36
	// SizeofMADTFixed is the size of the header plus the MADT's Local Interrupt Controller
	// Address and Flags fields.
	SizeofMADTFixed = SizeofHeader + 8

	entryLocalAPIC   = 0
	entryLocalX2APIC = 9

	sizeofLocalAPIC   = 8
	sizeofLocalX2APIC = 16

	flagEnabled = 1 << 0
)

var (
	// ErrBadSignature is returned when the table is not a MADT.
	ErrBadSignature = errors.New("table signature is not APIC")
	// ErrBadChecksum is returned when the table bytes do not sum to zero.
	ErrBadChecksum = errors.New("table checksum mismatch")
	// ErrDuplicateAPICID is returned when two processors share an APIC ID.
	ErrDuplicateAPICID = errors.New("duplicate APIC ID")
)

// CPUInfo describes one processor of the topology.
type CPUInfo struct {
	APICID  uint32
	Enabled bool
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// ParseMADT returns the processors of a MADT in table order.
func ParseMADT(data []byte) ([]CPUInfo, error) {
	if len(data) < SizeofMADTFixed {
		return nil, fmt.Errorf("MADT too small: %d < %d", len(data), SizeofMADTFixed)
	}
	if string(data[0:4]) != "APIC" {
		return nil, errors.Wrapf(ErrBadSignature, "got %q", data[0:4])
	}
	length := binary.LittleEndian.Uint32(data[4:8])
	if length < SizeofMADTFixed || int(length) > len(data) {
		return nil, fmt.Errorf("MADT length %d outside [%d, %d]", length, SizeofMADTFixed, len(data))
	}
	table := data[:length]
	if sum := checksum(table); sum != 0 {
		return nil, errors.Wrapf(ErrBadChecksum, "sum 0x%02x", sum)
	}

	var cpus []CPUInfo
	for off := SizeofMADTFixed; off < len(table); {
		if off+2 > len(table) {
			return nil, fmt.Errorf("truncated MADT entry header at offset 0x%x", off)
		}
		kind, size := table[off], int(table[off+1])
		if size < 2 || off+size > len(table) {
			return nil, fmt.Errorf("MADT entry at offset 0x%x has bad length %d", off, size)
		}
		entry := table[off : off+size]
		var cpu *CPUInfo
		switch kind {
		case entryLocalAPIC:
			if size < sizeofLocalAPIC {
				return nil, fmt.Errorf("local APIC entry at offset 0x%x is %d bytes", off, size)
			}
			cpu = &CPUInfo{
				APICID:  uint32(entry[3]),
				Enabled: binary.LittleEndian.Uint32(entry[4:8])&flagEnabled != 0,
			}
		case entryLocalX2APIC:
			if size < sizeofLocalX2APIC {
				return nil, fmt.Errorf("local x2APIC entry at offset 0x%x is %d bytes", off, size)
			}
			cpu = &CPUInfo{
				APICID:  binary.LittleEndian.Uint32(entry[4:8]),
				Enabled: binary.LittleEndian.Uint32(entry[8:12])&flagEnabled != 0,
			}
		}
		if cpu != nil {
			if slices.IndexFunc(cpus, func(c CPUInfo) bool { return c.APICID == cpu.APICID }) >= 0 {
				return nil, errors.Wrapf(ErrDuplicateAPICID, "%d", cpu.APICID)
			}
			cpus = append(cpus, *cpu)
		}
		off += size
	}
	return cpus, nil
}

// MarshalMADT builds a MADT that lists cpus in order, as Local APIC entries when the APIC ID fits
// in 8 bits and as Local x2APIC entries otherwise.
func MarshalMADT(cpus []CPUInfo) []byte {
	data := make([]byte, SizeofMADTFixed)
	copy(data[0:4], "APIC")
	data[8] = 5 // Revision
	copy(data[10:16], "GOSVSM")
	copy(data[16:24], "SVSMMADT")
	binary.LittleEndian.PutUint32(data[36:40], 0xfee00000)
	for i, cpu := range cpus {
		var flags uint32
		if cpu.Enabled {
			flags = flagEnabled
		}
		if cpu.APICID <= 0xff {
			e := make([]byte, sizeofLocalAPIC)
			e[0], e[1] = entryLocalAPIC, sizeofLocalAPIC
			e[2] = byte(i)
			e[3] = byte(cpu.APICID)
			binary.LittleEndian.PutUint32(e[4:8], flags)
			data = append(data, e...)
			continue
		}
		e := make([]byte, sizeofLocalX2APIC)
		e[0], e[1] = entryLocalX2APIC, sizeofLocalX2APIC
		binary.LittleEndian.PutUint32(e[4:8], cpu.APICID)
		binary.LittleEndian.PutUint32(e[8:12], flags)
		binary.LittleEndian.PutUint32(e[12:16], uint32(i))
		data = append(data, e...)
	}
	binary.LittleEndian.PutUint32(data[4:8], uint32(len(data)))
	data[9] = -checksum(data)
	return data
}
