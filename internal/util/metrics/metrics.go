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

// Package metrics holds label names and bucket definitions shared by
// the prometheus instrumentation of the subscription manager and the
// throttler, so their metrics use the same labels and buckets.
package metrics

// LatencyBuckets is used by every duration histogram in this module.
var LatencyBuckets = []float64{
	.001, .002, .005, .01, .02, .05, .1, .2, .5, 1, 2, 5, 10,
}

// TableLabels is attached to metrics scoped to a single watched table.
var TableLabels = []string{"schema", "table"}

// SubscriptionLabels is attached to metrics scoped to a single
// subscription id.
var SubscriptionLabels = []string{"subscription"}
