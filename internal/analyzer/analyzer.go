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

// Package analyzer derives the WatchSpec of a query: the set of tables
// and columns it reads. It does this by piggy-backing on Postgres' own
// view-dependency catalog rather than parsing SQL itself.
package analyzer

import (
	"context"
	"regexp"

	"github.com/jazzytomato/pg-realtime/internal/sqlassets"
	"github.com/jazzytomato/pg-realtime/internal/types"
	"github.com/jazzytomato/pg-realtime/internal/util/ident"
	"github.com/pkg/errors"
)

// paramMarker matches positional parameter markers like $1, $2, ...
var paramMarker = regexp.MustCompile(`\$\d+`)

// StripParams replaces every positional parameter marker in query with
// the literal NULL, so that the query compiles as a temporary view
// without bound parameter values. Parameter types are not needed for
// dependency analysis.
func StripParams(query string) string {
	return paramMarker.ReplaceAllString(query, "NULL")
}

// AnalysisError wraps a failure to analyze a query: invalid SQL or
// unknown relations. Subscribe surfaces this verbatim.
type AnalysisError struct {
	Query string
	Cause error
}

func (e *AnalysisError) Error() string {
	return "could not analyze query: " + e.Cause.Error()
}

func (e *AnalysisError) Unwrap() error { return e.Cause }

// IsAnalysisError reports whether err is (or wraps) an *AnalysisError.
func IsAnalysisError(err error) (*AnalysisError, bool) {
	var a *AnalysisError
	ok := errors.As(err, &a)
	return a, ok
}

// Analyze calls the installed parse-query routine (sqlassets) against
// query over conn and returns the resulting WatchSpec. The caller is
// responsible for ensuring the parse-query routine has already been
// installed (see pgrealtime.Start).
func Analyze(ctx context.Context, conn types.Conn, query string) (types.WatchSpec, error) {
	stripped := StripParams(query)

	rows, err := conn.Query(ctx,
		"SELECT object_type, tname, cname FROM "+sqlassets.ParseQueryFunction+"($1)",
		stripped,
	)
	if err != nil {
		return types.WatchSpec{}, &AnalysisError{Query: query, Cause: errors.WithStack(err)}
	}
	defer rows.Close()

	spec := types.NewWatchSpec()
	for rows.Next() {
		var objectType, tname string
		var cname *string
		if err := rows.Scan(&objectType, &tname, &cname); err != nil {
			return types.WatchSpec{}, &AnalysisError{Query: query, Cause: errors.WithStack(err)}
		}
		table := ident.Parse(tname)
		switch objectType {
		case "table":
			spec.Tables[table] = struct{}{}
			if _, ok := spec.Columns[table]; !ok {
				spec.Columns[table] = make(map[string]struct{})
			}
		case "column":
			if cname != nil {
				spec.AddColumn(table, *cname)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return types.WatchSpec{}, &AnalysisError{Query: query, Cause: errors.WithStack(err)}
	}

	if len(spec.Tables) == 0 {
		return types.WatchSpec{}, &AnalysisError{
			Query: query,
			Cause: errors.New("query reads no tables pg-realtime can watch"),
		}
	}

	return spec, nil
}
