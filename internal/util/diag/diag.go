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

// Package diag provides a minimal health-check registry that the
// various pooled connections and background tasks register themselves
// with, so an embedding application can expose a single liveness/
// readiness check across all of them.
package diag

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// A Check reports whether the component it represents is healthy.
type Check func(ctx context.Context) error

// Diagnostics is a registry of named health checks.
type Diagnostics struct {
	mu     sync.Mutex
	checks map[string]Check
}

// New returns an empty Diagnostics registry.
func New() *Diagnostics {
	return &Diagnostics{checks: make(map[string]Check)}
}

// Register associates name with check. It is an error to register the
// same name twice.
func (d *Diagnostics) Register(name string, check Check) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.checks[name]; found {
		return errors.Errorf("diagnostic check %q already registered", name)
	}
	d.checks[name] = check
	return nil
}

// Unregister removes a previously registered check, if any.
func (d *Diagnostics) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.checks, name)
}

// Run executes every registered check and returns the names of those
// that failed, along with the underlying errors.
func (d *Diagnostics) Run(ctx context.Context) map[string]error {
	d.mu.Lock()
	checks := make(map[string]Check, len(d.checks))
	for name, check := range d.checks {
		checks[name] = check
	}
	d.mu.Unlock()

	failures := make(map[string]error)
	for name, check := range checks {
		if err := check(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}
