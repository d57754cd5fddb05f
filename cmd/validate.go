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

	"github.com/google/go-svsm/cmd/output"
	"github.com/google/go-svsm/mm"
	"github.com/google/go-svsm/pvalidate"
	"github.com/google/go-svsm/testing/fakesnp"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

var errNoValidateContext = errors.New("validate command not found in context")

type validateCommand struct {
	start      uint64
	end        uint64
	fractured  []uint64
	invalidate bool
}

type validateKeyType struct{}

var validateKey validateKeyType

func validateFrom(ctx context.Context) (*validateCommand, error) {
	if c, ok := ctx.Value(validateKey).(*validateCommand); ok {
		return c, nil
	}
	return nil, errNoValidateContext
}

// AddFlags adds the validate flags to cmd.
func (c *validateCommand) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Uint64Var(&c.start, "start", 0,
		"Guest physical address of the first page to validate.")
	cmd.PersistentFlags().Uint64Var(&c.end, "end", 0,
		"Guest physical address just past the last page to validate.")
	cmd.PersistentFlags().AddGoFlag(uint64ListVar(&c.fractured, "fracture",
		"Guest physical addresses whose 2MiB RMP region is backed by 4KiB entries."))
	cmd.PersistentFlags().BoolVar(&c.invalidate, "invalidate", false,
		"Rescind the range's validation after validating it.")
}

// PersistentPreRunE checks that the range is well formed.
func (c *validateCommand) PersistentPreRunE(*cobra.Command, []string) error {
	if c.end <= c.start {
		return fmt.Errorf("--end=0x%x must be above --start=0x%x", c.end, c.start)
	}
	return nil
}

// InitContext adds the validate command to ctx.
func (c *validateCommand) InitContext(ctx context.Context) (context.Context, error) {
	return context.WithValue(ctx, validateKey, c), nil
}

func countValidated(p *fakesnp.Platform, r mm.Region) int {
	n := 0
	for va := r.Start; va < r.End(); va = va.Add(mm.PageSize) {
		if p.Validated(va) {
			n++
		}
	}
	return n
}

// validate runs page validation over a physical range of a fresh simulated machine.
func validate(ctx context.Context) error {
	c, err := validateFrom(ctx)
	if err != nil {
		return err
	}
	sim, err := simFrom(ctx)
	if err != nil {
		return err
	}
	p := fakesnp.New(sim.Memory)
	base, err := p.Memory().PhysToVirt(0)
	if err != nil {
		return err
	}
	guest := mm.Region{Start: base, Length: sim.Memory}
	start, end := base.Add(c.start), base.Add(c.end)
	region := mm.RegionRange(start, end)
	if guest.Intersect(region) != region {
		return fmt.Errorf("[0x%x, 0x%x) is beyond --memory=0x%x", c.start, c.end, sim.Memory)
	}
	for _, pa := range c.fractured {
		va := base.Add(pa)
		if !guest.Contains(va) {
			return fmt.Errorf("--fracture=0x%x is beyond --memory=0x%x", pa, sim.Memory)
		}
		span := mm.Region{Start: va.AlignDown(mm.PageSize2M), Length: mm.PageSize2M}
		if region.Intersect(span) == (mm.Region{}) {
			output.Warningf(ctx, "--fracture=0x%x does not overlap the validated range", pa)
		}
		p.Fracture(va)
	}

	x := p.CPU(0)
	fields := map[string]any{"start": start.String(), "end": end.String()}
	rangeErr := pvalidate.Range(x, start, end, true)
	if rangeErr == nil && c.invalidate {
		rangeErr = pvalidate.Range(x, start, end, false)
	}
	fields["validated_pages"] = countValidated(p, region)
	fields["instructions"] = instructionCounts(p)
	if rangeErr != nil {
		fields["error"] = rangeErr.Error()
	}
	if err := writeReport(ctx, fields); err != nil {
		return err
	}
	return rangeErr
}

func makeValidateCmd(ctx context.Context, app *AppComponents) *cobra.Command {
	cmp := Compose(sharedFlags(), app.Global, &validateCommand{}, app.Validate)
	cmd := &cobra.Command{
		Use:               "validate [flags]",
		Long:              `Validates a guest physical range with 2MiB pages where possible.`,
		PersistentPreRunE: cmp.PersistentPreRunE,
		RunE:              ComposeRun(cmp, validate),
	}
	cmd.SetContext(ctx)
	cmp.AddFlags(cmd)
	return cmd
}
