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

// Package subscription holds the subscription registry (§3, C7): it
// analyzes and installs triggers for new subscriptions, caches each
// subscription's current result, dispatches decoded changes to the
// refresh engine, and drives the per-subscription throttler.
package subscription

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"github.com/jazzytomato/pg-realtime/internal/analyzer"
	"github.com/jazzytomato/pg-realtime/internal/refresh"
	"github.com/jazzytomato/pg-realtime/internal/sqlassets"
	"github.com/jazzytomato/pg-realtime/internal/throttle"
	"github.com/jazzytomato/pg-realtime/internal/trigger"
	"github.com/jazzytomato/pg-realtime/internal/types"
	"github.com/jazzytomato/pg-realtime/internal/util/metrics"
	"github.com/jazzytomato/pg-realtime/internal/util/notify"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	refreshRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgrealtime_subscription_refresh_runs_total",
		Help: "the number of times a subscription's query was re-executed",
	}, metrics.SubscriptionLabels)
	refreshErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgrealtime_subscription_refresh_errors_total",
		Help: "the number of times a subscription's query execution failed",
	}, metrics.SubscriptionLabels)
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgrealtime_subscription_published_total",
		Help: "the number of times a subscription's result changed and was published",
	}, metrics.SubscriptionLabels)
	refreshLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgrealtime_subscription_refresh_latency_seconds",
		Help:    "how long a subscription's query execution took to run",
		Buckets: metrics.LatencyBuckets,
	}, metrics.SubscriptionLabels)
)

// QueryRunner executes a subscription's query over its own connection
// and returns the result shape the caller's driver produces. It is
// supplied by Manager's caller (the root package) so that this package
// does not need to depend on a specific query-execution driver.
type QueryRunner func(ctx context.Context, conn types.Conn, query string) (any, error)

// Subscription is the registry entry for one subscribed query (§3).
type Subscription struct {
	ID    string
	Conn  types.Conn
	Query string

	WatchSpec    types.WatchSpec
	Policy       refresh.Policy
	ThrottleMs   int
	ErrorHandler types.ErrorHandler

	result     *notify.Var[any]
	resultHash *[32]byte
	resultMu   sync.Mutex

	watchers   map[string]func(old, new any)
	watchersMu sync.Mutex

	throttler *throttle.Throttler
	run       QueryRunner
}

// CurrentResult implements refresh.ResultProvider.
func (s *Subscription) CurrentResult() any {
	return s.result.Peek()
}

// Current returns the subscription's current result.
func (s *Subscription) Current() any {
	return s.result.Peek()
}

// Watch registers callback under key, invoked whenever the result
// changes (old != new). Watch and Unwatch may be called from any
// goroutine; callbacks run inside the subscription's throttled query
// execution, which never overlaps with itself.
func (s *Subscription) Watch(key string, callback func(old, new any)) {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	if s.watchers == nil {
		s.watchers = make(map[string]func(old, new any))
	}
	s.watchers[key] = callback
}

// Unwatch removes a callback previously registered with Watch.
func (s *Subscription) Unwatch(key string) {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	delete(s.watchers, key)
}

func (s *Subscription) notifyWatchers(old, new any) {
	s.watchersMu.Lock()
	callbacks := make([]func(old, new any), 0, len(s.watchers))
	for _, cb := range s.watchers {
		callbacks = append(callbacks, cb)
	}
	s.watchersMu.Unlock()
	for _, cb := range callbacks {
		cb(old, new)
	}
}

// Manager is the subscription registry (C7).
type Manager struct {
	mu   sync.Mutex
	subs map[string]*Subscription

	errorHandler      types.ErrorHandler
	thresholds        sqlassets.Thresholds
	defaultThrottleMs int
}

// NewManager returns an empty registry. defaultErrorHandler is used for
// subscriptions that don't supply their own; thresholds configure the
// size-degradation limits baked into every trigger this registry
// installs; defaultThrottleMs is used by a subscription that doesn't
// specify its own throttle interval.
func NewManager(defaultErrorHandler types.ErrorHandler, thresholds sqlassets.Thresholds, defaultThrottleMs int) *Manager {
	return &Manager{
		subs:              make(map[string]*Subscription),
		errorHandler:      defaultErrorHandler,
		thresholds:        thresholds,
		defaultThrottleMs: defaultThrottleMs,
	}
}

// Options configure a new subscription.
type Options struct {
	ThrottleMs   int
	Policy       refresh.Policy
	ErrorHandler types.ErrorHandler
}

// Subscribe implements §4.7 "On subscribe": analyze, install triggers,
// reuse or create the result holder, replace the throttler, run the
// query once synchronously, and register. Re-subscribing with the same
// id atomically supersedes the previous subscription while preserving
// the result-holder identity, so watchers observe no spurious
// transient (§8 scenario 6).
func (m *Manager) Subscribe(
	ctx context.Context, id string, conn types.Conn, query string, opts Options, run QueryRunner,
) (*Subscription, error) {
	spec, err := analyzer.Analyze(ctx, conn, query)
	if err != nil {
		return nil, err
	}

	if err := trigger.InstallAll(ctx, conn, spec.Tables, m.thresholds); err != nil {
		return nil, err
	}

	throttleMs := opts.ThrottleMs
	if throttleMs <= 0 {
		throttleMs = m.defaultThrottleMs
	}
	errHandler := opts.ErrorHandler
	if errHandler == nil {
		errHandler = m.errorHandler
	}
	policy := opts.Policy
	if policy == nil {
		policy = refresh.DefaultPolicy{}
	}

	m.mu.Lock()
	existing := m.subs[id]
	m.mu.Unlock()

	var resultVar *notify.Var[any]
	var hash [32]byte
	if existing != nil {
		existing.throttler.Close()
		resultVar = existing.result
		hash = *existing.resultHash
	} else {
		resultVar = notify.NewVar[any](nil)
	}

	sub := &Subscription{
		ID:           id,
		Conn:         conn,
		Query:        query,
		WatchSpec:    spec,
		Policy:       policy,
		ThrottleMs:   throttleMs,
		ErrorHandler: errHandler,
		result:       resultVar,
		resultHash:   &hash,
		run:          run,
	}
	sub.throttler = throttle.New(func() { m.execute(ctx, sub) }, time.Duration(throttleMs)*time.Millisecond, id)

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	sub.throttler.Signal()

	return sub, nil
}

// Get returns the handle registered under id, or nil if there is none
// (the abstract `subscribe(id)` lookup form of §6).
func (m *Manager) Get(id string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id]
}

// Unsubscribe closes the subscription's throttler and removes it from
// the registry. Triggers installed for its tables remain (§3
// invariant).
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if ok {
		sub.throttler.Close()
	}
}

// Dispatch implements §4.7 "On notification": fan the change out to
// every subscription that watches the changed table, run each through
// the refresh engine, and signal its throttler on a positive decision.
func (m *Manager) Dispatch(ctx context.Context, change types.Change) {
	m.mu.Lock()
	candidates := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.WatchSpec.Watches(change.Table) {
			candidates = append(candidates, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range candidates {
		should, err := refresh.Evaluate(ctx, sub.Conn, sub, sub.WatchSpec, sub.Policy, change)
		if err != nil {
			m.reportErrorTo(m.errorHandler, sub, types.ErrQueryExecution, err)
			continue
		}
		if should {
			sub.throttler.Signal()
		}
	}
}

// execute runs the subscription's query, updates its result holder
// with change suppression (§4.7 "Change suppression"), and notifies
// watchers. It is always invoked by the subscription's own throttler,
// so at most one execution of a given subscription is ever in flight.
func (m *Manager) execute(ctx context.Context, sub *Subscription) {
	refreshRunsTotal.WithLabelValues(sub.ID).Inc()
	timer := prometheus.NewTimer(refreshLatencySeconds.WithLabelValues(sub.ID))
	defer timer.ObserveDuration()

	result, err := sub.run(ctx, sub.Conn, sub.Query)
	if err != nil {
		refreshErrorsTotal.WithLabelValues(sub.ID).Inc()
		m.reportError(sub, types.ErrQueryExecution, err)
		return
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		m.reportError(sub, types.ErrQueryExecution, errors.Wrap(err, "could not hash result"))
		return
	}
	digest := sha256.Sum256(encoded)

	sub.resultMu.Lock()
	changed := digest != *sub.resultHash
	if changed {
		*sub.resultHash = digest
	}
	sub.resultMu.Unlock()

	if !changed {
		return
	}

	var old any
	sub.result.Update(func(prev any) (any, bool) {
		old = prev
		return result, true
	})
	publishedTotal.WithLabelValues(sub.ID).Inc()
	sub.notifyWatchers(old, result)
}

func (m *Manager) reportError(sub *Subscription, kind types.ErrorKind, err error) {
	handler := sub.ErrorHandler
	if handler == nil {
		handler = m.errorHandler
	}
	m.reportErrorTo(handler, sub, kind, err)
}

func (m *Manager) reportErrorTo(handler types.ErrorHandler, sub *Subscription, kind types.ErrorKind, err error) {
	if handler == nil {
		log.WithError(err).WithField("subscription", sub.ID).Error("pg-realtime error")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("pg-realtime error handler panicked: %v", r)
		}
	}()
	handler(kind, err, types.ErrorContext{SubscriptionID: sub.ID, Query: sub.Query})
}
