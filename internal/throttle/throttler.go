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

// Package throttle implements the per-subscription leading+trailing
// coalescing throttler (§4.8): the first signal while idle invokes the
// target function immediately, later signals during cooldown are
// coalesced into at most one trailing invocation, and executions never
// overlap.
package throttle

import (
	"sync"
	"time"

	"github.com/jazzytomato/pg-realtime/internal/util/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgrealtime_throttle_invocations_total",
		Help: "the number of times a subscription's refresh function was invoked",
	}, metrics.SubscriptionLabels)
	coalescedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgrealtime_throttle_coalesced_total",
		Help: "the number of signals absorbed into a pending trailing invocation",
	}, metrics.SubscriptionLabels)
)

// Throttler coalesces signals arriving for one subscription into calls
// to f, serialized so that f never overlaps with itself.
type Throttler struct {
	f     func()
	delay time.Duration
	label string

	mu      sync.Mutex
	pending bool
	running bool
	closed  bool
	timer   *time.Timer
}

// New returns a Throttler that invokes f, subject to the leading+
// trailing coalescing contract, no more often than once per delay.
// label is used only for metric attribution.
func New(f func(), delay time.Duration, label string) *Throttler {
	return &Throttler{
		f:     f,
		delay: delay,
		label: label,
	}
}

// Signal offers a trigger to the throttler. If the throttler is idle,
// f runs synchronously on the caller's goroutine before Signal returns
// (the leading edge). If a run is already in flight or in its cooldown
// window, the signal is coalesced and Signal returns immediately.
func (t *Throttler) Signal() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.running {
		// Cooldown or an in-flight run: retain only the most recent
		// signal, to be replayed on the trailing edge.
		t.pending = true
		coalescedTotal.WithLabelValues(t.label).Inc()
		t.mu.Unlock()
		return
	}

	t.running = true
	t.pending = false
	t.mu.Unlock()

	t.invoke()
	t.startCooldown()
}

// invoke runs f and accounts for it in the invocation metric. It is
// always called with t.running already true, and with no lock held, so
// that f may itself call back into Signal without deadlocking.
func (t *Throttler) invoke() {
	invocationsTotal.WithLabelValues(t.label).Inc()
	t.f()
}

// startCooldown arms the cooldown timer; when it fires, either the
// trailing edge runs (if a signal was coalesced) or the throttler
// returns to idle.
func (t *Throttler) startCooldown() {
	t.mu.Lock()
	if t.closed {
		t.running = false
		t.mu.Unlock()
		return
	}
	t.timer = time.AfterFunc(t.delay, t.onCooldownExpired)
	t.mu.Unlock()
}

func (t *Throttler) onCooldownExpired() {
	t.mu.Lock()
	if t.closed {
		t.running = false
		t.mu.Unlock()
		return
	}
	if !t.pending {
		t.running = false
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.mu.Unlock()

	t.invoke()
	t.startCooldown()
}

// Close terminates the throttler. Any pending trailing signal is
// dropped without being run; an in-flight invocation of f is allowed to
// finish, but no further invocation will occur after Close returns.
func (t *Throttler) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
}
