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

// Package decode turns a raw trigger-emitted JSON envelope (see
// spec §6 "Notification payload format") into a types.Change, using
// pgx's OID-keyed type registry to decode each {value, oid} cell into
// a native Go value.
package decode

import (
	"encoding/json"
	"strconv"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jazzytomato/pg-realtime/internal/types"
	"github.com/jazzytomato/pg-realtime/internal/util/ident"
	"github.com/pkg/errors"
)

// TriggerError is raised when the envelope carries an "error" field,
// meaning the trigger body itself failed (§4.1.2 step 8).
type TriggerError struct {
	Table     string
	Operation string
	Message   string
}

func (e *TriggerError) Error() string {
	return "trigger failed for " + e.Table + " (" + e.Operation + "): " + e.Message
}

// DecodeError wraps a malformed envelope, an oid that is not a number,
// or an unknown operation. A cell whose OID the type registry does not
// know, or whose text the registry cannot decode, is not an error: it
// decodes to its raw text form.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string { return "could not decode notification: " + e.Cause.Error() }
func (e *DecodeError) Unwrap() error { return e.Cause }

type cell struct {
	Value *string `json:"value"`
	OID   json.Number `json:"oid"`
}

type envelope struct {
	Table     string           `json:"table"`
	Operation string           `json:"operation"`
	Row       map[string]cell  `json:"row"`
	OldValues map[string]cell  `json:"old_values"`
	Hashed    []string         `json:"hashed"`
	Error     *string          `json:"error"`
}

// Decode parses payload and returns the corresponding Change. typeMap is
// the pgx type registry used to interpret each cell's OID; pass
// pgtype.NewMap() (or a connection's TypeMap) unless a custom set of
// OIDs needs to be registered.
func Decode(payload []byte, typeMap *pgtype.Map) (types.Change, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return types.Change{}, &DecodeError{Cause: errors.WithStack(err)}
	}

	if env.Error != nil {
		return types.Change{}, &TriggerError{
			Table:     env.Table,
			Operation: env.Operation,
			Message:   *env.Error,
		}
	}

	table := ident.Parse(env.Table)
	op := types.Operation(env.Operation)

	row := make(map[string]any, len(env.Row))
	hashedSet := make(map[string]struct{}, len(env.Hashed))
	for _, h := range env.Hashed {
		hashedSet[h] = struct{}{}
	}

	for col, c := range env.Row {
		v, err := decodeCell(c, typeMap)
		if err != nil {
			return types.Change{}, &DecodeError{Cause: errors.Wrapf(err, "column %q", col)}
		}
		row[col] = v
	}

	changes := make(map[string]types.ChangedValue, len(row))
	switch op {
	case types.OpInsert:
		for col, v := range row {
			changes[col] = types.ChangedValue{Old: nil, New: v}
		}
	case types.OpDelete:
		for col, v := range row {
			changes[col] = types.ChangedValue{Old: v, New: nil}
		}
	case types.OpUpdate:
		for col, c := range env.OldValues {
			oldVal, err := decodeCell(c, typeMap)
			if err != nil {
				return types.Change{}, &DecodeError{Cause: errors.Wrapf(err, "old value of column %q", col)}
			}
			changes[col] = types.ChangedValue{Old: oldVal, New: row[col]}
		}
	default:
		return types.Change{}, &DecodeError{Cause: errors.Errorf("unknown operation %q", env.Operation)}
	}

	return types.Change{
		Table:     table,
		Operation: op,
		Row:       row,
		Changes:   changes,
		Hashed:    hashedSet,
	}, nil
}

// decodeCell converts one {value, oid} pair into a native value. A nil
// value decodes to nil without invoking the type registry at all.
func decodeCell(c cell, typeMap *pgtype.Map) (any, error) {
	if c.Value == nil {
		return nil, nil
	}

	oid, err := strconv.ParseUint(c.OID.String(), 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "invalid oid")
	}

	if _, ok := typeMap.TypeForOID(uint32(oid)); !ok {
		// Unknown OID: fall back to the raw text form rather than
		// failing the whole decode, since the value is still usable for
		// tracked-column and filter-map comparisons as a string.
		return *c.Value, nil
	}

	dst, err := typeMap.DecodeValue(uint32(oid), pgtype.TextFormatCode, []byte(*c.Value))
	if err != nil {
		return *c.Value, nil
	}
	return dst, nil
}
