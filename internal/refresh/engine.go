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

// Package refresh implements the per-subscription refresh? decision
// (§4.6): the tracked-column gate that is always applied first, then
// dispatch on the subscription's Policy.
package refresh

import (
	"context"
	"reflect"

	"github.com/jazzytomato/pg-realtime/internal/types"
	log "github.com/sirupsen/logrus"
)

// Policy is the refresh-policy sum type: Default, FilterMap, or
// Predicate.
type Policy interface {
	isPolicy()
}

// DefaultPolicy refreshes whenever the tracked-column gate passes.
type DefaultPolicy struct{}

func (DefaultPolicy) isPolicy() {}

// FilterMapPolicy refreshes when, for the changed table, any
// (column, matcher) pair in its FilterMap entry passes; tables absent
// from the map behave like DefaultPolicy.
type FilterMapPolicy struct {
	Filters types.FilterMap
}

func (FilterMapPolicy) isPolicy() {}

// PredicatePolicy defers the decision to a caller-supplied function.
type PredicatePolicy struct {
	Predicate types.PredicateFunc
}

func (PredicatePolicy) isPolicy() {}

// ResultProvider supplies the subscription's current result, used to
// resolve ResultColumn matchers and passed through to predicates.
type ResultProvider interface {
	CurrentResult() any
}

// Evaluate implements the full §4.6 decision: the tracked-column gate,
// then dispatch on policy. conn is passed through to a PredicatePolicy
// unchanged; it may be nil for DefaultPolicy/FilterMapPolicy.
func Evaluate(
	ctx context.Context,
	conn types.Conn,
	results ResultProvider,
	watch types.WatchSpec,
	policy Policy,
	change types.Change,
) (bool, error) {
	if !trackedColumnGate(watch, change) {
		return false, nil
	}

	switch p := policy.(type) {
	case nil, DefaultPolicy:
		return true, nil
	case FilterMapPolicy:
		return evaluateFilterMap(p, results, change), nil
	case PredicatePolicy:
		return evaluatePredicate(ctx, conn, results, p, change)
	default:
		log.Warnf("refresh: unknown policy type %T, falling back to tracked-column gate", policy)
		return true, nil
	}
}

// trackedColumnGate implements §4.6 Step 1: the mutation must touch at
// least one column the subscription's query reads from that table. For
// INSERT/DELETE, change.Changes spans every column of the row, so this
// lets them through iff the subscription watches any column of the
// table at all.
func trackedColumnGate(watch types.WatchSpec, change types.Change) bool {
	watched, ok := watch.Columns[change.Table]
	if !ok || len(watched) == 0 {
		return false
	}
	for col := range change.Changes {
		if _, ok := watched[col]; ok {
			return true
		}
	}
	return false
}

// evaluateFilterMap implements §4.6(b).
func evaluateFilterMap(p FilterMapPolicy, results ResultProvider, change types.Change) bool {
	entries, ok := p.Filters[change.Table]
	if !ok {
		return true
	}

	for _, entry := range entries {
		notificationValues := notificationValueSet(change, entry.Column)
		filterSet := matcherValueSet(entry.Matcher, results)
		if intersects(filterSet, notificationValues) {
			return true
		}
	}
	return false
}

// notificationValueSet collects every candidate value associated with
// column in the change: the current row value, and every old/new value
// recorded in Changes for that column.
func notificationValueSet(change types.Change, column string) []any {
	var values []any
	if v, ok := change.Row[column]; ok {
		values = append(values, v)
	}
	if cv, ok := change.Changes[column]; ok {
		values = append(values, cv.Old, cv.New)
	}
	return values
}

// matcherValueSet resolves a Matcher into the set of values it stands
// for. An empty current result combined with a ResultColumn matcher
// always yields an empty set, and therefore never matches.
func matcherValueSet(m types.Matcher, results ResultProvider) []any {
	switch v := m.(type) {
	case types.Literal:
		return []any{v.Value}
	case types.ResultColumn:
		return resultColumnValues(results, v.Name)
	default:
		return nil
	}
}

// resultColumnValues collects the set of values column takes across the
// rows of the current result. A scalar (non-slice) result is treated as
// a single-row list. Rows are expected to be map[string]any, matching
// the shape a query-execution driver would hand back.
func resultColumnValues(results ResultProvider, column string) []any {
	if results == nil {
		return nil
	}
	current := results.CurrentResult()
	if current == nil {
		return nil
	}

	rv := reflect.ValueOf(current)
	if rv.Kind() != reflect.Slice {
		if row, ok := current.(map[string]any); ok {
			if v, ok := row[column]; ok {
				return []any{v}
			}
		}
		return nil
	}

	var values []any
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i).Interface()
		row, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := row[column]; ok {
			values = append(values, v)
		}
	}
	return values
}

func intersects(a, b []any) bool {
	for _, x := range a {
		for _, y := range b {
			if valuesEqual(x, y) {
				return true
			}
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

// evaluatePredicate implements §4.6(c). Errors from the predicate
// propagate to the caller, which is expected to route them to the
// system error handler and treat them as false.
func evaluatePredicate(
	ctx context.Context, conn types.Conn, results ResultProvider, p PredicatePolicy, change types.Change,
) (bool, error) {
	var current any
	if results != nil {
		current = results.CurrentResult()
	}
	ret, err := p.Predicate(ctx, conn, current, change)
	if err != nil {
		return false, err
	}
	if types.IsFallBackToTrackedColumns(ret) {
		return true, nil
	}
	return truthy(ret), nil
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	default:
		return true
	}
}
