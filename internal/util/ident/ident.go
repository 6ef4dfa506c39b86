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

// Package ident contains the schema-qualified table identifier used
// throughout pg-realtime to name the tables a query reads and the
// tables triggers are installed on.
package ident

import (
	"fmt"
	"strings"
)

// PublicSchema is the canonical, and normally omitted, schema name.
const PublicSchema = "public"

// Table is a schema-qualified relation name. The zero value is not
// valid; use New or Parse to construct one.
type Table struct {
	schema string
	name   string
}

// New returns a Table for the given schema and name. An empty schema is
// treated as PublicSchema.
func New(schema, name string) Table {
	if schema == "" {
		schema = PublicSchema
	}
	return Table{schema: schema, name: name}
}

// Parse splits a possibly schema-qualified name of the form
// "schema.name" or "name" (implying public) into a Table.
func Parse(qualified string) Table {
	if schema, name, ok := strings.Cut(qualified, "."); ok {
		return New(schema, name)
	}
	return New(PublicSchema, qualified)
}

// Schema returns the table's schema, never empty.
func (t Table) Schema() string { return t.schema }

// Name returns the bare relation name.
func (t Table) Name() string { return t.name }

// Raw renders the identifier the way it should be displayed to a
// caller or used as a map key: the bare name when the schema is
// public, "schema.name" otherwise.
func (t Table) Raw() string {
	if t.schema == PublicSchema || t.schema == "" {
		return t.name
	}
	return fmt.Sprintf("%s.%s", t.schema, t.name)
}

// QuotedSQL renders the identifier for use in generated SQL, always
// schema-qualified and double-quoted, regardless of whether the schema
// is public.
func (t Table) QuotedSQL() string {
	return fmt.Sprintf("%q.%q", t.schema, t.name)
}

// SafeName returns a name suitable for embedding in a generated
// identifier, such as a trigger or function name:
// "_pg_realtime_trigger_<schema>_<name>".
func (t Table) SafeName() string {
	return fmt.Sprintf("%s_%s", t.schema, t.name)
}

// String implements fmt.Stringer.
func (t Table) String() string { return t.Raw() }

// Less provides a total order over Table, used to keep deterministic
// iteration order when rendering multiple tables (e.g. for logging).
func (t Table) Less(o Table) bool {
	if t.schema != o.schema {
		return t.schema < o.schema
	}
	return t.name < o.name
}
