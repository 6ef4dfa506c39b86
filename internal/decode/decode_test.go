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

package decode_test

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jazzytomato/pg-realtime/internal/decode"
	"github.com/jazzytomato/pg-realtime/internal/types"
	"github.com/stretchr/testify/require"
)

const textOID = "25"

func TestDecodeInsert(t *testing.T) {
	payload := []byte(`{
		"table": "users",
		"operation": "INSERT",
		"row": {"id": {"value": "1", "oid": "23"}, "email": {"value": "a@example.com", "oid": "` + textOID + `"}},
		"hashed": []
	}`)

	change, err := decode.Decode(payload, pgtype.NewMap())
	require.NoError(t, err)
	require.Equal(t, types.OpInsert, change.Operation)
	require.Equal(t, "users", change.Table.Raw())
	require.Equal(t, "a@example.com", change.Row["email"])
	require.Equal(t, types.ChangedValue{Old: nil, New: "a@example.com"}, change.Changes["email"])
	require.False(t, change.IsHashed("email"))
}

func TestDecodeUpdateOnlyChangedColumns(t *testing.T) {
	payload := []byte(`{
		"table": "public.users",
		"operation": "UPDATE",
		"row": {"id": {"value": "1", "oid": "23"}, "email": {"value": "new@example.com", "oid": "` + textOID + `"}},
		"old_values": {"email": {"value": "old@example.com", "oid": "` + textOID + `"}},
		"hashed": []
	}`)

	change, err := decode.Decode(payload, pgtype.NewMap())
	require.NoError(t, err)
	require.Equal(t, types.OpUpdate, change.Operation)
	require.Equal(t, types.ChangedValue{Old: "old@example.com", New: "new@example.com"}, change.Changes["email"])
	_, idPresentInChanges := change.Changes["id"]
	require.False(t, idPresentInChanges)
}

func TestDecodeDelete(t *testing.T) {
	payload := []byte(`{
		"table": "users",
		"operation": "DELETE",
		"row": {"id": {"value": "1", "oid": "23"}},
		"hashed": []
	}`)

	change, err := decode.Decode(payload, pgtype.NewMap())
	require.NoError(t, err)
	require.Equal(t, types.ChangedValue{Old: int32(1), New: nil}, change.Changes["id"])
}

func TestDecodeNullValue(t *testing.T) {
	payload := []byte(`{
		"table": "users",
		"operation": "INSERT",
		"row": {"middle_name": {"value": null, "oid": "` + textOID + `"}},
		"hashed": []
	}`)

	change, err := decode.Decode(payload, pgtype.NewMap())
	require.NoError(t, err)
	require.Nil(t, change.Row["middle_name"])
}

func TestDecodeHashedColumnMarked(t *testing.T) {
	payload := []byte(`{
		"table": "users",
		"operation": "INSERT",
		"row": {"bio": {"value": "deadbeef", "oid": "` + textOID + `"}},
		"hashed": ["bio"]
	}`)

	change, err := decode.Decode(payload, pgtype.NewMap())
	require.NoError(t, err)
	require.True(t, change.IsHashed("bio"))
	require.False(t, change.IsHashed("id"))
}

func TestDecodeUnknownOIDFallsBackToRawText(t *testing.T) {
	payload := []byte(`{
		"table": "users",
		"operation": "INSERT",
		"row": {"weird": {"value": "raw-value", "oid": "999999"}},
		"hashed": []
	}`)

	change, err := decode.Decode(payload, pgtype.NewMap())
	require.NoError(t, err)
	require.Equal(t, "raw-value", change.Row["weird"])
}

func TestDecodeTriggerErrorEnvelope(t *testing.T) {
	payload := []byte(`{"table": "users", "operation": "INSERT", "error": "division by zero"}`)

	_, err := decode.Decode(payload, pgtype.NewMap())
	require.Error(t, err)
	require.Contains(t, err.Error(), "division by zero")
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, err := decode.Decode([]byte(`not json`), pgtype.NewMap())
	require.Error(t, err)
}
