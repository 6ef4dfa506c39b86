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

package ident_test

import (
	"testing"

	"github.com/jazzytomato/pg-realtime/internal/util/ident"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in            string
		wantSchema    string
		wantName      string
		wantRaw       string
		wantQuotedSQL string
		wantSafeName  string
	}{
		{"users", "public", "users", "users", `"public"."users"`, "public_users"},
		{"billing.invoices", "billing", "invoices", "billing.invoices", `"billing"."invoices"`, "billing_invoices"},
	}
	for _, tt := range tests {
		table := ident.Parse(tt.in)
		require.Equal(t, tt.wantSchema, table.Schema())
		require.Equal(t, tt.wantName, table.Name())
		require.Equal(t, tt.wantRaw, table.Raw())
		require.Equal(t, tt.wantQuotedSQL, table.QuotedSQL())
		require.Equal(t, tt.wantSafeName, table.SafeName())
	}
}

func TestNewEmptySchemaIsPublic(t *testing.T) {
	require.Equal(t, ident.New("public", "users"), ident.New("", "users"))
}

func TestTableEqualityAsMapKey(t *testing.T) {
	m := map[ident.Table]struct{}{
		ident.Parse("users"): {},
	}
	_, ok := m[ident.New("public", "users")]
	require.True(t, ok)
}

func TestLess(t *testing.T) {
	a := ident.New("public", "accounts")
	b := ident.New("public", "billing")
	c := ident.New("reporting", "accounts")

	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.True(t, a.Less(c))
}

func TestString(t *testing.T) {
	require.Equal(t, "billing.invoices", ident.New("billing", "invoices").String())
}
