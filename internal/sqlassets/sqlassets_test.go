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

package sqlassets_test

import (
	"strings"
	"testing"

	"github.com/jazzytomato/pg-realtime/internal/sqlassets"
	"github.com/stretchr/testify/require"
)

func TestTriggerFunctionNameAndTriggerNameCarryPrefix(t *testing.T) {
	require.Equal(t, "_pg_realtime_notify_public_users", sqlassets.TriggerFunctionName("public_users"))
	require.Equal(t, "_pg_realtime_trigger_public_users", sqlassets.TriggerName("public_users"))
}

func TestCreateParseQueryRoutineEmbedsName(t *testing.T) {
	ddl := sqlassets.CreateParseQueryRoutine("_pg_realtime_parse_query")
	require.Contains(t, ddl, "CREATE OR REPLACE FUNCTION _pg_realtime_parse_query")
	require.Contains(t, ddl, "information_schema.view_table_usage")
	require.Contains(t, ddl, "information_schema.view_column_usage")
}

func TestCreateTriggerFunctionEmbedsThresholdsAndChannel(t *testing.T) {
	ddl := sqlassets.CreateTriggerFunction(
		"_pg_realtime_notify_public_users",
		`"public"."users"`,
		"users",
		sqlassets.Thresholds{HashThresholdBytes: 100, EnvelopeTargetBytes: 200, DegradeThresholdBytes: 10},
	)
	require.Contains(t, ddl, "CREATE OR REPLACE FUNCTION _pg_realtime_notify_public_users")
	require.Contains(t, ddl, `'"public"."users"'::regclass`)
	require.Contains(t, ddl, "'_pg_realtime_table_changes'")
	require.Contains(t, ddl, "> 100")
	require.Contains(t, ddl, "> 200")
	require.Contains(t, ddl, "<= 10")
	require.Contains(t, ddl, "'table', 'users'")
	require.True(t, strings.Count(ddl, "pg_notify('_pg_realtime_table_changes'") >= 2)
}

func TestCreateTriggerDropsBeforeCreating(t *testing.T) {
	ddl := sqlassets.CreateTrigger("_pg_realtime_trigger_public_users", "_pg_realtime_notify_public_users", `"public"."users"`)
	require.Contains(t, ddl, "DROP TRIGGER IF EXISTS _pg_realtime_trigger_public_users")
	require.Contains(t, ddl, "AFTER INSERT OR UPDATE OR DELETE")
	require.True(t, strings.Index(ddl, "DROP TRIGGER") < strings.Index(ddl, "CREATE TRIGGER"))
}

func TestDestroyObjectsQueryMatchesPrefix(t *testing.T) {
	require.Contains(t, sqlassets.DestroyObjectsQuery, sqlassets.Prefix+"%")
}

func TestDefaultThresholdsMatchesConstants(t *testing.T) {
	require.Equal(t, sqlassets.HashThresholdBytes, sqlassets.DefaultThresholds.HashThresholdBytes)
	require.Equal(t, sqlassets.EnvelopeTargetBytes, sqlassets.DefaultThresholds.EnvelopeTargetBytes)
	require.Equal(t, sqlassets.DegradeThresholdBytes, sqlassets.DefaultThresholds.DegradeThresholdBytes)
}
