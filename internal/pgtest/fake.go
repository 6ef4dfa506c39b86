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

// Package pgtest provides lightweight fakes of the types.Conn surface
// for tests that exercise the analyzer, trigger installer, subscription
// manager, and admin operations without a real Postgres connection.
// Grounded on the role the teacher's internal/sinktest packages played:
// shared, importable (non "_test.go") test support, rather than a real
// database fixture, since this system's behavior is driven entirely by
// SQL text it sends and rows it reads back.
package pgtest

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// Rows is a fixed, in-memory implementation of pgx.Rows over a slice of
// already-typed row values.
type Rows struct {
	data []Row
	idx  int
}

// NewRows returns a Rows that yields each of rows in order.
func NewRows(rows ...Row) *Rows {
	return &Rows{data: rows}
}

// Row is one row's column values, in the order a caller's Scan
// destinations are expected to appear.
type Row []any

func (r Row) Scan(dest ...any) error {
	for i, d := range dest {
		if i >= len(r) {
			return errors.Errorf("fake row has %d columns, Scan wanted %d", len(r), len(dest))
		}
		if err := scanInto(d, r[i]); err != nil {
			return err
		}
	}
	return nil
}

func scanInto(dest, value any) error {
	switch d := dest.(type) {
	case *string:
		if value == nil {
			return errors.New("cannot scan nil into *string")
		}
		*d = value.(string)
	case **string:
		if value == nil {
			*d = nil
			return nil
		}
		s := value.(string)
		*d = &s
	default:
		return errors.Errorf("fake scan: unsupported destination type %T", dest)
	}
	return nil
}

// Close implements pgx.Rows.
func (r *Rows) Close() {}

// Err implements pgx.Rows.
func (r *Rows) Err() error { return nil }

// CommandTag implements pgx.Rows.
func (r *Rows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

// FieldDescriptions implements pgx.Rows.
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }

// Next implements pgx.Rows.
func (r *Rows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

// Scan implements pgx.Rows.
func (r *Rows) Scan(dest ...any) error {
	return r.data[r.idx-1].Scan(dest...)
}

// Values implements pgx.Rows.
func (r *Rows) Values() ([]any, error) {
	return r.data[r.idx-1], nil
}

// RawValues implements pgx.Rows.
func (r *Rows) RawValues() [][]byte { return nil }

// Conn implements pgx.Rows.
func (r *Rows) Conn() *pgx.Conn { return nil }

// Conn is a scriptable fake of types.Conn: each call is routed to the
// corresponding func field, or to a harmless default if unset.
type Conn struct {
	ExecFunc     func(ctx context.Context, sql string, args []any) (pgconn.CommandTag, error)
	QueryFunc    func(ctx context.Context, sql string, args []any) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, sql string, args []any) pgx.Row
}

// Exec implements types.Conn.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if c.ExecFunc != nil {
		return c.ExecFunc(ctx, sql, args)
	}
	return pgconn.CommandTag{}, nil
}

// Query implements types.Conn.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if c.QueryFunc != nil {
		return c.QueryFunc(ctx, sql, args)
	}
	return NewRows(), nil
}

// QueryRow implements types.Conn.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if c.QueryRowFunc != nil {
		return c.QueryRowFunc(ctx, sql, args)
	}
	rows, err := c.Query(ctx, sql, args...)
	if err != nil {
		return errRow{err}
	}
	return singleRow{rows}
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type singleRow struct{ rows pgx.Rows }

func (r singleRow) Scan(dest ...any) error {
	defer r.rows.Close()
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}
