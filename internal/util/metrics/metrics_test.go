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

package metrics_test

import (
	"sort"
	"testing"

	"github.com/jazzytomato/pg-realtime/internal/util/metrics"
	"github.com/stretchr/testify/require"
)

func TestLatencyBucketsAreSorted(t *testing.T) {
	require.True(t, sort.Float64sAreSorted(metrics.LatencyBuckets))
	require.NotEmpty(t, metrics.LatencyBuckets)
}

func TestLabelSets(t *testing.T) {
	require.Equal(t, []string{"schema", "table"}, metrics.TableLabels)
	require.Equal(t, []string{"subscription"}, metrics.SubscriptionLabels)
}
