// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package pgrealtime

// IncrementRunningSystemsForTest and DecrementRunningSystemsForTest let
// pgrealtime_test exercise DestroyObjects' started-system guard without
// standing up a real System.
func IncrementRunningSystemsForTest() { runningSystems.Add(1) }
func DecrementRunningSystemsForTest() { runningSystems.Add(-1) }
