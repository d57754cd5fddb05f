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

	"github.com/google/go-svsm/mm"
	"github.com/google/go-svsm/rmp"
	"github.com/google/go-svsm/testing/fakesnp"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

var errNoVMSAContext = errors.New("vmsa command not found in context")

type vmsaCommand struct {
	unvalidated bool
	keep        bool
}

type vmsaKeyType struct{}

var vmsaKey vmsaKeyType

func vmsaFrom(ctx context.Context) (*vmsaCommand, error) {
	if c, ok := ctx.Value(vmsaKey).(*vmsaCommand); ok {
		return c, nil
	}
	return nil, errNoVMSAContext
}

// AddFlags adds the vmsa flags to cmd.
func (c *vmsaCommand) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&c.unvalidated, "unvalidated", false,
		"Rescind the page's validation before using it.")
	cmd.PersistentFlags().BoolVar(&c.keep, "keep", false,
		"Leave the page as a VMSA instead of returning it to the guest.")
}

// PersistentPreRunE has nothing to check.
func (c *vmsaCommand) PersistentPreRunE(*cobra.Command, []string) error { return nil }

// InitContext adds the vmsa command to ctx.
func (c *vmsaCommand) InitContext(ctx context.Context) (context.Context, error) {
	return context.WithValue(ctx, vmsaKey, c), nil
}

func rightsStep(p *fakesnp.Platform, name string, va mm.VirtAddr) map[string]any {
	step := map[string]any{"step": name}
	for _, vmpl := range []rmp.VMPL{rmp.VMPL1, rmp.VMPL2, rmp.VMPL3} {
		step[fmt.Sprintf("vmpl%d", vmpl)] = p.Rights(va, vmpl).String()
	}
	return step
}

// repurposeVMSA turns a fresh guest page into a VMSA page and back, reporting every VMPL's
// rights after each step.
func repurposeVMSA(ctx context.Context) error {
	c, err := vmsaFrom(ctx)
	if err != nil {
		return err
	}
	sim, err := simFrom(ctx)
	if err != nil {
		return err
	}
	p := fakesnp.New(sim.Memory)
	x := p.CPU(0)
	va, _, err := p.AllocPage()
	if err != nil {
		return err
	}
	if err := rmp.GrantGuestAccess(x, va, false); err != nil {
		return err
	}
	if c.unvalidated {
		p.SetValidated(va, va.Add(mm.PageSize), false)
	}
	steps := []any{rightsStep(p, "guest", va)}
	stepErr := rmp.SetGuestVMSA(x, va)
	if stepErr == nil {
		steps = append(steps, rightsStep(p, "vmsa", va))
		if !c.keep {
			stepErr = rmp.ClearGuestVMSA(x, va)
			if stepErr == nil {
				steps = append(steps, rightsStep(p, "cleared", va))
			}
		}
	}
	fields := map[string]any{
		"page":         va.String(),
		"steps":        steps,
		"instructions": instructionCounts(p),
	}
	if stepErr != nil {
		fields["error"] = stepErr.Error()
	}
	if err := writeReport(ctx, fields); err != nil {
		return err
	}
	return stepErr
}

func makeVMSACmd(ctx context.Context, app *AppComponents) *cobra.Command {
	cmp := Compose(sharedFlags(), app.Global, &vmsaCommand{}, app.VMSA)
	cmd := &cobra.Command{
		Use:               "vmsa [flags]",
		Long:              `Repurposes a guest page as a VMSA page and returns it to the guest.`,
		PersistentPreRunE: cmp.PersistentPreRunE,
		RunE:              ComposeRun(cmp, repurposeVMSA),
	}
	cmd.SetContext(ctx)
	cmp.AddFlags(cmd)
	return cmd
}
