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

// Package trigger materializes the sqlassets trigger template for a
// given table and installs it. Installation is idempotent: re-running
// Install for the same table is safe under concurrent subscribes to
// that table, since both the function and the trigger use
// CREATE OR REPLACE (or DROP IF EXISTS) semantics.
package trigger

import (
	"context"

	"github.com/jazzytomato/pg-realtime/internal/sqlassets"
	"github.com/jazzytomato/pg-realtime/internal/types"
	"github.com/jazzytomato/pg-realtime/internal/util/ident"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// InstallError wraps a DDL failure while installing a trigger.
// Previously installed triggers from the same Subscribe call are left
// in place; re-installation is idempotent, so a later retry of the
// whole WatchSpec is safe.
type InstallError struct {
	Table ident.Table
	Cause error
}

func (e *InstallError) Error() string {
	return "could not install trigger on " + e.Table.Raw() + ": " + e.Cause.Error()
}

func (e *InstallError) Unwrap() error { return e.Cause }

// Installer installs and re-installs the owned trigger for a table
// using a fixed set of size-degradation Thresholds.
type Installer struct {
	Thresholds sqlassets.Thresholds
}

// Install renders the trigger function and trigger DDL for table and
// executes both. It is safe to call repeatedly for the same table,
// including concurrently from different subscriptions.
func (i Installer) Install(ctx context.Context, conn types.Conn, table ident.Table) error {
	relation := table.QuotedSQL()
	functionName := sqlassets.TriggerFunctionName(table.SafeName())
	triggerName := sqlassets.TriggerName(table.SafeName())

	functionDDL := sqlassets.CreateTriggerFunction(functionName, relation, table.Raw(), i.Thresholds)
	if _, err := conn.Exec(ctx, functionDDL); err != nil {
		return &InstallError{Table: table, Cause: errors.WithStack(err)}
	}

	triggerDDL := sqlassets.CreateTrigger(triggerName, functionName, relation)
	if _, err := conn.Exec(ctx, triggerDDL); err != nil {
		return &InstallError{Table: table, Cause: errors.WithStack(err)}
	}

	log.WithField("table", table.Raw()).Debug("trigger installed")
	return nil
}

// InstallAll installs the trigger for every table in spec using
// thresholds, continuing past an individual table's failure so that a
// fixable table-level error (e.g. a transient DDL lock) doesn't prevent
// triggers from being installed on the rest of the subscription's
// tables. The first error encountered, if any, is returned after all
// tables have been attempted.
func InstallAll(ctx context.Context, conn types.Conn, tables map[ident.Table]struct{}, thresholds sqlassets.Thresholds) error {
	var first error
	inst := Installer{Thresholds: thresholds}
	for table := range tables {
		if err := inst.Install(ctx, conn, table); err != nil {
			if first == nil {
				first = err
			}
			log.WithError(err).WithField("table", table.Raw()).Warn("trigger install failed")
		}
	}
	return first
}
