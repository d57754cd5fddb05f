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

// Package main runs the svsmsim command line tool.
package main

import (
	"os"

	"github.com/google/go-svsm/cmd"
	"github.com/google/logger"
	"golang.org/x/net/context"
)

func main() {
	defer logger.Init("svsmsim", false, false, os.Stderr).Close()
	ctx := context.Background()
	if err := cmd.MakeApp(ctx, &cmd.AppComponents{}).Execute(); err != nil {
		logger.Fatalf("svsmsim: %v", err)
	}
}
