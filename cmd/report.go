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
	"fmt"

	"github.com/google/go-svsm/cmd/output"
	"github.com/google/go-svsm/testing/fakesnp"
	"golang.org/x/net/context"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	formatTextproto = "textproto"
	formatJSON      = "json"
)

// instructionCounts summarizes a platform's instruction trace by kind.
func instructionCounts(p *fakesnp.Platform) map[string]any {
	counts := make(map[string]any)
	for _, op := range p.Trace() {
		key := op.Kind.String()
		if op.Kind == fakesnp.OpPValidate || op.Kind == fakesnp.OpRMPAdjust {
			if op.Huge {
				key += "_2M"
			} else {
				key += "_4K"
			}
		}
		n, _ := counts[key].(float64)
		counts[key] = n + 1
	}
	return counts
}

func marshalReport(format string, report *structpb.Struct) ([]byte, error) {
	switch format {
	case formatJSON:
		return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(report)
	case formatTextproto:
		return prototext.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(report)
	}
	return nil, fmt.Errorf("unknown report format %q", format)
}

// writeReport renders fields in the requested format to the output modality.
func writeReport(ctx context.Context, fields map[string]any) error {
	sim, err := simFrom(ctx)
	if err != nil {
		return err
	}
	report, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("could not build report: %w", err)
	}
	out, err := marshalReport(sim.Format, report)
	if err != nil {
		return err
	}
	output.Infof(ctx, "%s", out)
	return nil
}
