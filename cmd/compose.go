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
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

// CommandComponent is one piece of a simulator subcommand. It owns some flags and may add state
// to the context the subcommand runs with.
type CommandComponent interface {
	// InitContext returns ctx extended with the component's state. It runs after every
	// component's PersistentPreRunE, so building a simulated machine here never happens for a
	// command line that fails validation.
	InitContext(ctx context.Context) (context.Context, error)
	// AddFlags registers the component's flags on cmd.
	AddFlags(cmd *cobra.Command)
	// PersistentPreRunE rejects flag values the component cannot run with.
	PersistentPreRunE(cmd *cobra.Command, args []string) error
}

// AppComponents are the hooks an embedder of svsmsim may add to each subcommand. Nil hooks are
// skipped.
type AppComponents struct {
	// Global runs for every subcommand.
	Global CommandComponent
	// Launch runs before APs are brought online.
	Launch CommandComponent
	// Validate runs before a memory range is validated.
	Validate CommandComponent
	// VMSA runs before a page is turned into a VMSA and back.
	VMSA CommandComponent
}

// MakeApp returns the svsmsim root command with its launch, validate and vmsa subcommands.
func MakeApp(ctx context.Context, app *AppComponents) *cobra.Command {
	root := makeRootCmd(ctx, app)
	root.AddCommand(makeLaunchCmd(root.Context(), app))
	root.AddCommand(makeValidateCmd(root.Context(), app))
	root.AddCommand(makeVMSACmd(root.Context(), app))
	return root
}

// ComposedComponent runs each of its components in order. Nil components are skipped.
type ComposedComponent struct {
	Components []CommandComponent
}

func (c *ComposedComponent) each(fn func(CommandComponent) error) error {
	for _, cmp := range c.Components {
		if cmp == nil {
			continue
		}
		if err := fn(cmp); err != nil {
			return err
		}
	}
	return nil
}

// InitContext threads ctx through every component, stopping at the first error.
func (c *ComposedComponent) InitContext(ctx context.Context) (context.Context, error) {
	err := c.each(func(cmp CommandComponent) error {
		var err error
		ctx, err = cmp.InitContext(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ctx, nil
}

// AddFlags registers the flags of every component.
func (c *ComposedComponent) AddFlags(cmd *cobra.Command) {
	c.each(func(cmp CommandComponent) error {
		cmp.AddFlags(cmd)
		return nil
	})
}

// PersistentPreRunE returns the first component's validation error.
func (c *ComposedComponent) PersistentPreRunE(cmd *cobra.Command, args []string) error {
	return c.each(func(cmp CommandComponent) error { return cmp.PersistentPreRunE(cmd, args) })
}

// Compose returns a component that runs cmps in order.
func Compose(cmps ...CommandComponent) *ComposedComponent { return &ComposedComponent{cmps} }

// PartialComponent is a CommandComponent built from functions. A nil function does nothing.
type PartialComponent struct {
	FInitContext       func(ctx context.Context) (context.Context, error)
	FAddFlags          func(cmd *cobra.Command)
	FPersistentPreRunE func(cmd *cobra.Command, args []string) error
}

// InitContext calls FInitContext.
func (p *PartialComponent) InitContext(ctx context.Context) (context.Context, error) {
	if p.FInitContext == nil {
		return ctx, nil
	}
	return p.FInitContext(ctx)
}

// AddFlags calls FAddFlags.
func (p *PartialComponent) AddFlags(cmd *cobra.Command) {
	if p.FAddFlags != nil {
		p.FAddFlags(cmd)
	}
}

// PersistentPreRunE calls FPersistentPreRunE.
func (p *PartialComponent) PersistentPreRunE(cmd *cobra.Command, args []string) error {
	if p.FPersistentPreRunE == nil {
		return nil
	}
	return p.FPersistentPreRunE(cmd, args)
}

// ComposeRun returns a cobra RunE that calls run with the command's context extended by cmp.
func ComposeRun(cmp CommandComponent, run func(context.Context) error) runFn {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if cmp != nil {
			var err error
			if ctx, err = cmp.InitContext(ctx); err != nil {
				return err
			}
		}
		return run(ctx)
	}
}
