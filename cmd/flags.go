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

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-svsm/acpi"
	"github.com/google/go-sev-guest/kds"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/spf13/cobra"
)

var (
	// ErrTopologyAlreadySet is returned from a topology flag if the value has already been set.
	ErrTopologyAlreadySet = errors.New("topology flag has already been set")
)

const disabledSuffix = ":off"

// Lets this command specify the software platform's memory size.
func addMemoryFlag(cmd *cobra.Command, f *uint64) {
	cmd.PersistentFlags().Uint64Var(f, "memory", 64<<20,
		"Bytes of simulated guest memory.")
}

func addFormatFlag(cmd *cobra.Command, f *string) {
	cmd.PersistentFlags().StringVar(f, "format", "textproto",
		"Report format, one of textproto or json.")
}

// topologyFlag parses a processor list such as "0,1,2:off,0x100", where ":off" marks a disabled
// processor.
type topologyFlag struct {
	v *[]acpi.CPUInfo
}

func (t *topologyFlag) String() string {
	if t.v == nil {
		return ""
	}
	var parts []string
	for _, cpu := range *t.v {
		s := strconv.FormatUint(uint64(cpu.APICID), 10)
		if !cpu.Enabled {
			s += disabledSuffix
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ",")
}

func (t *topologyFlag) Set(value string) error {
	if t.v == nil {
		return errors.New("topology flag value destination cannot be nil")
	}
	if len(*t.v) != 0 {
		return ErrTopologyAlreadySet
	}
	if value == "" {
		return nil
	}
	var cpus []acpi.CPUInfo
	for _, part := range strings.Split(value, ",") {
		cpu := acpi.CPUInfo{Enabled: true}
		if strings.HasSuffix(part, disabledSuffix) {
			cpu.Enabled = false
			part = strings.TrimSuffix(part, disabledSuffix)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(part), 0, 32)
		if err != nil {
			return fmt.Errorf("bad APIC ID %q: %v", part, err)
		}
		cpu.APICID = uint32(id)
		cpus = append(cpus, cpu)
	}
	*t.v = cpus
	return nil
}

func addTopologyFlag(cmd *cobra.Command, f *[]acpi.CPUInfo) {
	cmd.PersistentFlags().AddGoFlag(&flag.Flag{
		Name:     "cpus",
		Value:    &topologyFlag{v: f},
		Usage:    "Comma-separated APIC IDs of the processor topology. A \":off\" suffix disables one.",
		DefValue: "",
	})
}

// uint64ListFlag parses a comma-separated list of integers in any Go base prefix.
type uint64ListFlag struct {
	v *[]uint64
}

func (l *uint64ListFlag) String() string {
	if l.v == nil {
		return ""
	}
	var parts []string
	for _, v := range *l.v {
		parts = append(parts, fmt.Sprintf("0x%x", v))
	}
	return strings.Join(parts, ",")
}

func (l *uint64ListFlag) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(part), 0, 64)
		if err != nil {
			return fmt.Errorf("%q is not an integer", part)
		}
		*l.v = append(*l.v, v)
	}
	return nil
}

func uint64ListVar(v *[]uint64, name, usage string) *flag.Flag {
	return &flag.Flag{Name: name, Value: &uint64ListFlag{v: v}, Usage: usage}
}

type amdProductFlag struct {
	v *sgpb.SevProduct_SevProductName
}

func (p *amdProductFlag) String() string {
	if p.v == nil {
		return "<unset>"
	}
	return kds.ProductLine(&sgpb.SevProduct{Name: *p.v})
}

func (p *amdProductFlag) Set(value string) error {
	if value != "" {
		product, err := kds.ParseProductLine(value)
		if err != nil {
			return err
		}
		*p.v = product.Name
		return nil
	}
	return nil
}

func amdProductVar(v *sgpb.SevProduct_SevProductName, name string, defaultValue sgpb.SevProduct_SevProductName, usage string) *flag.Flag {
	f := &amdProductFlag{v: v}
	*v = defaultValue
	return &flag.Flag{
		Name:     name,
		Value:    f,
		Usage:    usage,
		DefValue: kds.ProductLine(&sgpb.SevProduct{Name: defaultValue}),
	}
}
