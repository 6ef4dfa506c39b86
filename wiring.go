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

package pgrealtime

import (
	"context"

	"github.com/google/wire"
	"github.com/jazzytomato/pg-realtime/internal/util/diag"
	"github.com/jazzytomato/pg-realtime/internal/util/stopper"
)

// Set is used by Wire. An embedding application that already manages
// its own wire injector can use this instead of calling Start
// directly, by also providing a Config, a connection string, and an
// ErrorHandler of its own.
var Set = wire.NewSet(
	diag.New,
	ProvideStopperContext,
	Start,
)

// ProvideStopperContext is called by wire to derive a stopper.Context
// from the ambient context.Context an embedding application's own
// injector provides. Start does not take it as input: it derives its own
// stopper.Context from the context.Context it is given.
func ProvideStopperContext(ctx context.Context) *stopper.Context {
	return stopper.New(ctx)
}
