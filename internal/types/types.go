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

// Package types contains the data types and interfaces shared across
// pg-realtime's internal packages: the change-notification shape
// decoded from a trigger payload, the watch-spec derived by query
// analysis, and the refresh-policy sum type evaluated by the refresh
// engine. Keeping these in one package, imported by analyzer, decode,
// refresh, and subscription alike, avoids import cycles between them.
package types

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jazzytomato/pg-realtime/internal/util/ident"
)

// Operation is the kind of row mutation a trigger observed.
type Operation string

// The three operations a trigger can fire for.
const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Conn is implemented by pgxpool.Pool, pgxpool.Conn, pgxpool.Tx, pgx.Conn,
// and pgx.Tx. It is the minimal surface pg-realtime needs to run
// parameterized queries and DDL against a caller-supplied or
// internally-owned connection.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// WatchSpec is the set of tables and columns a query reads, derived
// once at subscribe time by the query analyzer (C2) and immutable for
// the life of a subscription.
type WatchSpec struct {
	Tables  map[ident.Table]struct{}
	Columns map[ident.Table]map[string]struct{}
}

// NewWatchSpec returns an empty WatchSpec ready to be populated.
func NewWatchSpec() WatchSpec {
	return WatchSpec{
		Tables:  make(map[ident.Table]struct{}),
		Columns: make(map[ident.Table]map[string]struct{}),
	}
}

// AddColumn records that table.column is read by the query, adding
// table to Tables if necessary.
func (w WatchSpec) AddColumn(table ident.Table, column string) {
	w.Tables[table] = struct{}{}
	cols, ok := w.Columns[table]
	if !ok {
		cols = make(map[string]struct{})
		w.Columns[table] = cols
	}
	cols[column] = struct{}{}
}

// Watches reports whether the WatchSpec's table set contains table.
func (w WatchSpec) Watches(table ident.Table) bool {
	_, ok := w.Tables[table]
	return ok
}

// Change is a decoded notification: the result of applying the payload
// decoder (C5) to one trigger-emitted envelope.
type Change struct {
	Table     ident.Table
	Operation Operation

	// Row holds the post-image for INSERT/UPDATE, the pre-image for
	// DELETE, keyed by column name.
	Row map[string]any

	// Changes holds, per column, the (old, new) pair. For INSERT old is
	// nil; for DELETE new is nil; for UPDATE only columns whose text
	// form actually changed are present.
	Changes map[string]ChangedValue

	// Hashed is the set of columns whose value in Row is a SHA-256 hex
	// digest rather than the real value, because the trigger degraded
	// it under payload-size pressure.
	Hashed map[string]struct{}
}

// ChangedValue is the (old, new) pair recorded for one column of one
// Change.
type ChangedValue struct {
	Old, New any
}

// IsHashed reports whether column's value in c.Row has been replaced
// by a content hash.
func (c Change) IsHashed(column string) bool {
	_, ok := c.Hashed[column]
	return ok
}

// Matcher is the sum type for one side of a filter-map entry: either a
// literal value (possibly nil) or a reference to a column of the
// subscription's current result.
type Matcher interface {
	isMatcher()
}

// Literal is a Matcher that matches a fixed value.
type Literal struct {
	Value any
}

func (Literal) isMatcher() {}

// ResultColumn is a Matcher meaning "the set of values column Name
// takes across the rows of the current result".
type ResultColumn struct {
	Name string
}

func (ResultColumn) isMatcher() {}

// FilterEntry pairs a column with the Matcher tested against it.
type FilterEntry struct {
	Column  string
	Matcher Matcher
}

// FilterMap is a per-table set of (column, matcher) tests; see
// refresh.Policy's FilterMap variant.
type FilterMap map[ident.Table][]FilterEntry

// PredicateFunc is the caller-supplied refresh predicate. Its return
// value is interpreted by the refresh engine: false means no refresh,
// FallBackToTrackedColumns defers to the tracked-column gate (which has
// already passed by the time a predicate runs), and any other truthy
// value means refresh.
type PredicateFunc func(ctx context.Context, conn Conn, currentResult any, change Change) (any, error)

// fallbackSentinel is the concrete type of FallBackToTrackedColumns, so
// that it can be recognized by identity regardless of the static type a
// PredicateFunc declares its return value as.
type fallbackSentinel struct{}

// FallBackToTrackedColumns is the sentinel a PredicateFunc may return to
// mean "treat this as if the default tracked-column policy had been
// used", i.e. always true, since the gate already ran.
var FallBackToTrackedColumns any = fallbackSentinel{}

// IsFallBackToTrackedColumns reports whether v is the sentinel value
// returned by a PredicateFunc to defer to the tracked-column gate.
func IsFallBackToTrackedColumns(v any) bool {
	_, ok := v.(fallbackSentinel)
	return ok
}

// ErrorKind classifies the failures enumerated in the specification's
// error handling design (analysis, trigger install, trigger runtime,
// decode, query execution, listener connection loss).
type ErrorKind string

// The error kinds a System's error handler may be invoked with.
const (
	ErrAnalysis          ErrorKind = "analysis-error"
	ErrTriggerInstall    ErrorKind = "trigger-install-error"
	ErrTriggerRuntime    ErrorKind = "trigger-runtime-error"
	ErrDecode            ErrorKind = "decode-error"
	ErrQueryExecution    ErrorKind = "query-execution-error"
	ErrListenerConnLoss  ErrorKind = "listener-connection-loss"
)

// ErrorContext carries the identifying details relevant to the
// ErrorKind an ErrorHandler was invoked with.
type ErrorContext struct {
	SubscriptionID string
	Query          string
	Table          ident.Table
}

// ErrorHandler is invoked by pg-realtime whenever one of the ErrorKind
// failures occurs. Implementations must not panic; any panic is
// recovered and logged by the caller, but the specific error that
// caused it will be lost.
type ErrorHandler func(kind ErrorKind, err error, errCtx ErrorContext)
