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

package refresh_test

import (
	"context"
	"testing"

	"github.com/jazzytomato/pg-realtime/internal/refresh"
	"github.com/jazzytomato/pg-realtime/internal/types"
	"github.com/jazzytomato/pg-realtime/internal/util/ident"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var usersTable = ident.New("public", "users")

func watchSpecFor(table ident.Table, columns ...string) types.WatchSpec {
	spec := types.NewWatchSpec()
	for _, c := range columns {
		spec.AddColumn(table, c)
	}
	return spec
}

func insertChange(table ident.Table, row map[string]any) types.Change {
	changes := make(map[string]types.ChangedValue, len(row))
	for col, v := range row {
		changes[col] = types.ChangedValue{Old: nil, New: v}
	}
	return types.Change{Table: table, Operation: types.OpInsert, Row: row, Changes: changes}
}

type staticResult struct{ result any }

func (s staticResult) CurrentResult() any { return s.result }

func TestTrackedColumnGateBlocksUntouchedTable(t *testing.T) {
	watch := watchSpecFor(usersTable, "id", "email")
	change := insertChange(ident.New("public", "billing"), map[string]any{"amount": 10})

	ok, err := refresh.Evaluate(context.Background(), nil, nil, watch, refresh.DefaultPolicy{}, change)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTrackedColumnGateBlocksUnwatchedColumns(t *testing.T) {
	watch := watchSpecFor(usersTable, "id", "email")
	change := insertChange(usersTable, map[string]any{"last_login": "2026-01-01"})

	ok, err := refresh.Evaluate(context.Background(), nil, nil, watch, refresh.DefaultPolicy{}, change)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDefaultPolicyRefreshesWhenGatePasses(t *testing.T) {
	watch := watchSpecFor(usersTable, "id", "email")
	change := insertChange(usersTable, map[string]any{"email": "a@example.com"})

	ok, err := refresh.Evaluate(context.Background(), nil, nil, watch, refresh.DefaultPolicy{}, change)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNilPolicyBehavesLikeDefaultPolicy(t *testing.T) {
	watch := watchSpecFor(usersTable, "id")
	change := insertChange(usersTable, map[string]any{"id": 1})

	ok, err := refresh.Evaluate(context.Background(), nil, nil, watch, nil, change)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFilterMapRefreshesOnLiteralMatch(t *testing.T) {
	watch := watchSpecFor(usersTable, "org_id")
	policy := refresh.FilterMapPolicy{
		Filters: types.FilterMap{
			usersTable: {{Column: "org_id", Matcher: types.Literal{Value: 42}}},
		},
	}
	change := insertChange(usersTable, map[string]any{"org_id": 42})

	ok, err := refresh.Evaluate(context.Background(), nil, nil, watch, policy, change)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFilterMapSkipsOnLiteralMismatch(t *testing.T) {
	watch := watchSpecFor(usersTable, "org_id")
	policy := refresh.FilterMapPolicy{
		Filters: types.FilterMap{
			usersTable: {{Column: "org_id", Matcher: types.Literal{Value: 42}}},
		},
	}
	change := insertChange(usersTable, map[string]any{"org_id": 7})

	ok, err := refresh.Evaluate(context.Background(), nil, nil, watch, policy, change)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFilterMapTableWithoutEntryBehavesLikeDefault(t *testing.T) {
	watch := watchSpecFor(usersTable, "org_id")
	policy := refresh.FilterMapPolicy{Filters: types.FilterMap{}}
	change := insertChange(usersTable, map[string]any{"org_id": 7})

	ok, err := refresh.Evaluate(context.Background(), nil, nil, watch, policy, change)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFilterMapResultColumnMatchesCurrentResultRows(t *testing.T) {
	watch := watchSpecFor(usersTable, "org_id")
	policy := refresh.FilterMapPolicy{
		Filters: types.FilterMap{
			usersTable: {{Column: "org_id", Matcher: types.ResultColumn{Name: "org_id"}}},
		},
	}
	change := insertChange(usersTable, map[string]any{"org_id": 42})
	results := staticResult{result: []any{
		map[string]any{"org_id": 42},
		map[string]any{"org_id": 99},
	}}

	ok, err := refresh.Evaluate(context.Background(), nil, results, watch, policy, change)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFilterMapResultColumnNeverMatchesWhenResultEmpty(t *testing.T) {
	watch := watchSpecFor(usersTable, "org_id")
	policy := refresh.FilterMapPolicy{
		Filters: types.FilterMap{
			usersTable: {{Column: "org_id", Matcher: types.ResultColumn{Name: "org_id"}}},
		},
	}
	change := insertChange(usersTable, map[string]any{"org_id": 42})
	results := staticResult{result: []any{}}

	ok, err := refresh.Evaluate(context.Background(), nil, results, watch, policy, change)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPredicatePolicyReceivesCurrentResultAndChange(t *testing.T) {
	watch := watchSpecFor(usersTable, "email")
	results := staticResult{result: []any{map[string]any{"email": "a@example.com"}}}
	var sawCurrent any
	var sawChange types.Change
	predicate := func(ctx context.Context, conn types.Conn, currentResult any, change types.Change) (any, error) {
		sawCurrent = currentResult
		sawChange = change
		return true, nil
	}
	change := insertChange(usersTable, map[string]any{"email": "b@example.com"})

	ok, err := refresh.Evaluate(context.Background(), nil, results, watch, refresh.PredicatePolicy{Predicate: predicate}, change)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, results.result, sawCurrent)
	require.Equal(t, change.Table, sawChange.Table)
}

func TestPredicatePolicyFalseBlocksRefresh(t *testing.T) {
	watch := watchSpecFor(usersTable, "email")
	predicate := func(ctx context.Context, conn types.Conn, currentResult any, change types.Change) (any, error) {
		return false, nil
	}
	change := insertChange(usersTable, map[string]any{"email": "b@example.com"})

	ok, err := refresh.Evaluate(context.Background(), nil, nil, watch, refresh.PredicatePolicy{Predicate: predicate}, change)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPredicatePolicyFallbackSentinelMeansTrue(t *testing.T) {
	watch := watchSpecFor(usersTable, "email")
	predicate := func(ctx context.Context, conn types.Conn, currentResult any, change types.Change) (any, error) {
		return types.FallBackToTrackedColumns, nil
	}
	change := insertChange(usersTable, map[string]any{"email": "b@example.com"})

	ok, err := refresh.Evaluate(context.Background(), nil, nil, watch, refresh.PredicatePolicy{Predicate: predicate}, change)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPredicatePolicyPropagatesError(t *testing.T) {
	watch := watchSpecFor(usersTable, "email")
	boom := errors.New("predicate exploded")
	predicate := func(ctx context.Context, conn types.Conn, currentResult any, change types.Change) (any, error) {
		return nil, boom
	}
	change := insertChange(usersTable, map[string]any{"email": "b@example.com"})

	ok, err := refresh.Evaluate(context.Background(), nil, nil, watch, refresh.PredicatePolicy{Predicate: predicate}, change)
	require.False(t, ok)
	require.ErrorIs(t, err, boom)
}

func TestPredicatePolicyNeverRunsWhenGateFails(t *testing.T) {
	watch := watchSpecFor(usersTable, "id")
	called := false
	predicate := func(ctx context.Context, conn types.Conn, currentResult any, change types.Change) (any, error) {
		called = true
		return true, nil
	}
	change := insertChange(usersTable, map[string]any{"email": "untracked"})

	ok, err := refresh.Evaluate(context.Background(), nil, nil, watch, refresh.PredicatePolicy{Predicate: predicate}, change)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, called)
}
