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
	"fmt"
	"os"

	"github.com/google/go-svsm/acpi"
	"github.com/google/go-svsm/ghcb"
	"github.com/google/go-svsm/vmsa"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"
	"golang.org/x/net/context"
)

var errNoLaunchContext = errors.New("launch command not found in context")

// defaultEntryPoint is where simulated APs start when --entry is not given.
const defaultEntryPoint = 0xffffffff80001000

type launchCommand struct {
	madtPath    string
	entry       uint64
	sevFeatures uint64
	spinLimit   uint64
	stalled     []uint64
	rejected    []uint64
	// topology is given by --cpus or read from --madt.
	topology []acpi.CPUInfo
}

type launchKeyType struct{}

var launchKey launchKeyType

func launchFrom(ctx context.Context) (*launchCommand, error) {
	if c, ok := ctx.Value(launchKey).(*launchCommand); ok {
		return c, nil
	}
	return nil, errNoLaunchContext
}

// AddFlags adds the launch flags to cmd.
func (c *launchCommand) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&c.madtPath, "madt", "",
		"Path to an ACPI MADT that describes the processor topology.")
	addTopologyFlag(cmd, &c.topology)
	cmd.PersistentFlags().Uint64Var(&c.entry, "entry", defaultEntryPoint,
		"Address every AP starts executing at.")
	cmd.PersistentFlags().Uint64Var(&c.sevFeatures, "sev_features", vmsa.SevFeatureSNPActive,
		"SEV_FEATURES of every AP's VMSA.")
	cmd.PersistentFlags().Uint64Var(&c.spinLimit, "spin_limit", 1<<20,
		"Pauses to wait for each AP before giving up. 0 waits forever.")
	cmd.PersistentFlags().AddGoFlag(uint64ListVar(&c.stalled, "stall",
		"APIC IDs of APs that never run once created."))
	cmd.PersistentFlags().AddGoFlag(uint64ListVar(&c.rejected, "reject",
		"APIC IDs the hypervisor refuses to create."))
}

// PersistentPreRunE resolves the processor topology.
func (c *launchCommand) PersistentPreRunE(*cobra.Command, []string) error {
	if (c.madtPath == "") == (len(c.topology) == 0) {
		return errors.New("exactly one of --madt or --cpus must be given")
	}
	if c.entry == 0 {
		return errors.New("--entry must be non-zero")
	}
	if c.madtPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.madtPath)
	if err != nil {
		return fmt.Errorf("could not read --madt: %w", err)
	}
	c.topology, err = acpi.ParseMADT(data)
	if err != nil {
		return fmt.Errorf("could not parse --madt=%s: %w", c.madtPath, err)
	}
	return nil
}

// InitContext adds the launch command to ctx.
func (c *launchCommand) InitContext(ctx context.Context) (context.Context, error) {
	return context.WithValue(ctx, launchKey, c), nil
}

// launch brings the configured topology online on a fresh simulated machine and reports the APs
// the hypervisor created.
func launch(ctx context.Context) error {
	c, err := launchFrom(ctx)
	if err != nil {
		return err
	}
	sim, err := simFrom(ctx)
	if err != nil {
		return err
	}
	m, err := newMachine(sim.Memory)
	if err != nil {
		return err
	}
	m.runAPs(ctx, c.stalled)
	m.platform.RejectAPCreate = func(req *ghcb.APCreateRequest) uint32 {
		if slices.Contains(c.rejected, uint64(req.APICID)) {
			return 1
		}
		return 0
	}
	l := m.launcher()
	l.EntryPoint = c.entry
	l.SevFeatures = c.sevFeatures
	l.Product = sim.Product
	l.SpinLimit = c.spinLimit

	n, launchErr := l.StartSecondaryCPUs(ctx, c.topology)
	var aps []any
	for _, rec := range m.platform.Created() {
		cpu, ok := m.area.ByAPICID(rec.APICID)
		aps = append(aps, map[string]any{
			"apic_id":      rec.APICID,
			"vmsa":         rec.VMSA.String(),
			"rip":          fmt.Sprintf("0x%x", rec.Rip),
			"sev_features": fmt.Sprintf("0x%x", rec.SevFeatures),
			"online":       ok && cpu.IsOnline(),
		})
	}
	fields := map[string]any{
		"launched":     n,
		"aps":          aps,
		"instructions": instructionCounts(m.platform),
	}
	if launchErr != nil {
		fields["error"] = launchErr.Error()
	}
	if err := writeReport(ctx, fields); err != nil {
		return err
	}
	return launchErr
}

func makeLaunchCmd(ctx context.Context, app *AppComponents) *cobra.Command {
	cmp := Compose(sharedFlags(), app.Global, &launchCommand{}, app.Launch)
	cmd := &cobra.Command{
		Use:               "launch [flags]",
		Long:              `Brings every enabled AP of a processor topology online, one at a time.`,
		PersistentPreRunE: cmp.PersistentPreRunE,
		RunE:              ComposeRun(cmp, launch),
	}
	cmd.SetContext(ctx)
	cmp.AddFlags(cmd)
	return cmd
}
