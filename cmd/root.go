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

// Package cmd implements the svsmsim command line tool, which runs the module's processor launch,
// page validation and RMP operations against a software SEV-SNP platform.
package cmd

import (
	"errors"
	"fmt"

	"github.com/google/go-svsm/cmd/output"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/net/context"
)

var errNoSimContext = errors.New("simulator options not found in context")

// simCommand holds the flags every subcommand shares.
type simCommand struct {
	Memory  uint64
	Product sgpb.SevProduct_SevProductName
	Format  string
}

type simKeyType struct{}

var simKey simKeyType

func simFrom(ctx context.Context) (*simCommand, error) {
	if c, ok := ctx.Value(simKey).(*simCommand); ok {
		return c, nil
	}
	return nil, errNoSimContext
}

// AddFlags adds the shared simulator flags to cmd.
func (c *simCommand) AddFlags(cmd *cobra.Command) {
	addMemoryFlag(cmd, &c.Memory)
	addFormatFlag(cmd, &c.Format)
	cmd.PersistentFlags().AddGoFlag(amdProductVar(&c.Product, "product",
		sgpb.SevProduct_SEV_PRODUCT_MILAN, "AMD product line of the simulated processor."))
}

// Validate returns every problem with the shared flags.
func (c *simCommand) Validate() error {
	var err error
	if c.Memory < 2<<20 {
		err = multierr.Append(err, fmt.Errorf("--memory=%d is below the 2MiB minimum", c.Memory))
	}
	if c.Format != formatTextproto && c.Format != formatJSON {
		err = multierr.Append(err, fmt.Errorf("--format=%q must be %s or %s", c.Format,
			formatTextproto, formatJSON))
	}
	if c.Product == sgpb.SevProduct_SEV_PRODUCT_UNKNOWN {
		err = multierr.Append(err, errors.New("--product must name a known product line"))
	}
	return err
}

// sharedFlags validates the flags the root command defines for every subcommand.
func sharedFlags() CommandComponent {
	return &PartialComponent{
		FPersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := output.FromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := opts.Validate(cmd); err != nil {
				return err
			}
			sim, err := simFrom(cmd.Context())
			if err != nil {
				return err
			}
			return sim.Validate()
		},
	}
}

// makeRootCmd creates an entrypoint for svsmsim.
func makeRootCmd(ctx0 context.Context, app *AppComponents) *cobra.Command {
	flags := &output.Options{}
	sim := &simCommand{}
	ctx := context.WithValue(output.NewContext(ctx0, flags), simKey, sim)
	cmd := &cobra.Command{
		Use: "svsmsim",
		Long: `Simulator for the SEV-SNP secure VM service module core

This tool runs AP launch, page validation and VMSA page protocols against a software model of
an SEV-SNP platform and reports the outcome.
`,
		PersistentPreRunE: Compose(sharedFlags(), app.Global).PersistentPreRunE,
	}
	cmd.SetContext(ctx)
	if app.Global != nil {
		app.Global.AddFlags(cmd)
	}
	flags.AddFlags(cmd)
	sim.AddFlags(cmd)
	return cmd
}

type runFn func(*cobra.Command, []string) error
