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

//go:build !amd64
// +build !amd64

package insn

import "runtime"

// Native reports every instruction as faulted: SEV-SNP guests are x86-64 only.
type Native struct{}

// PValidate implements Executor.
func (Native) PValidate(uint64, bool, bool) Result { return Result{Faulted: true} }

// RMPAdjust implements Executor.
func (Native) RMPAdjust(uint64, bool, uint64) Result { return Result{Faulted: true} }

// VMGExit implements Executor.
func (Native) VMGExit() Result { return Result{Faulted: true} }

// WriteMSR implements Executor.
func (Native) WriteMSR(uint32, uint64) Result { return Result{Faulted: true} }

// Available returns false.
func (Native) Available() bool { return false }

// Pause implements Executor.
func (Native) Pause() { runtime.Gosched() }
