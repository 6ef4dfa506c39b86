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

// Package pgrealtime turns arbitrary read queries against a Postgres
// database into live, incrementally-refreshed results, using LISTEN/
// NOTIFY and per-table triggers instead of logical decoding (see
// SPEC_FULL.md and DESIGN.md for the full design). System is the package's
// only exported type with state; everything else is wired through it.
package pgrealtime

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jazzytomato/pg-realtime/internal/decode"
	"github.com/jazzytomato/pg-realtime/internal/listener"
	"github.com/jazzytomato/pg-realtime/internal/refresh"
	"github.com/jazzytomato/pg-realtime/internal/sqlassets"
	"github.com/jazzytomato/pg-realtime/internal/subscription"
	"github.com/jazzytomato/pg-realtime/internal/types"
	"github.com/jazzytomato/pg-realtime/internal/util/diag"
	"github.com/jazzytomato/pg-realtime/internal/util/stdpool"
	"github.com/jazzytomato/pg-realtime/internal/util/stopper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Policy re-exports the refresh engine's policy sum type so callers
// never need to import internal/refresh directly.
type (
	Policy          = refresh.Policy
	DefaultPolicy   = refresh.DefaultPolicy
	FilterMapPolicy = refresh.FilterMapPolicy
	PredicatePolicy = refresh.PredicatePolicy
	PredicateFunc   = types.PredicateFunc
)

// Re-exports of the shared domain vocabulary, so that a caller only
// ever imports the root package.
type (
	Conn         = types.Conn
	Change       = types.Change
	FilterMap    = types.FilterMap
	FilterEntry  = types.FilterEntry
	Literal      = types.Literal
	ResultColumn = types.ResultColumn
	ErrorKind    = types.ErrorKind
	ErrorContext = types.ErrorContext
	ErrorHandler = types.ErrorHandler
)

// The ErrorKind values a Config.ErrorHandler may be invoked with.
const (
	ErrAnalysis         = types.ErrAnalysis
	ErrTriggerInstall   = types.ErrTriggerInstall
	ErrTriggerRuntime   = types.ErrTriggerRuntime
	ErrDecode           = types.ErrDecode
	ErrQueryExecution   = types.ErrQueryExecution
	ErrListenerConnLoss = types.ErrListenerConnLoss
)

// FallBackToTrackedColumns is the sentinel a PredicatePolicy may return
// to mean "whatever the tracked-column gate already decided".
var FallBackToTrackedColumns = types.FallBackToTrackedColumns

// runningSystems counts System instances currently started in this
// process. DestroyObjects refuses to run while it is non-zero (§4.9
// "Requires the system to be stopped"), so dropping the owned functions
// and triggers out from under a live System isn't possible.
var runningSystems atomic.Int32

// QueryRunner executes a subscription's query and returns its result in
// whatever shape the caller wants filter-map ResultColumn references
// and Current() callers to see. Most callers will return
// []map[string]any from pgx.CollectRows with pgx.RowToMap.
type QueryRunner = subscription.QueryRunner

// SubscribeOptions configure one subscription.
type SubscribeOptions struct {
	ThrottleMs   int
	Policy       Policy
	ErrorHandler ErrorHandler
}

// System is a running instance of pg-realtime: one listener connection,
// one dispatch task, and the subscription registry. Create one with
// Start per target database.
type System struct {
	cfg Config

	// instanceID distinguishes this System's log lines and error
	// reports from any other System running in the same process
	// (e.g. against a different database), since nothing else about a
	// System is otherwise guaranteed unique.
	instanceID string

	// stopped guards against Shutdown decrementing runningSystems more
	// than once for the same System.
	stopped atomic.Bool

	listenConn *pgx.Conn
	closeConn  func()

	listener *listener.Listener
	manager  *subscription.Manager

	ctx        *stopper.Context
	diagnostic *diag.Diagnostics

	errorHandler ErrorHandler
}

// OpenConnPool opens a pgx connection pool suitable for passing as the
// Conn argument to Subscribe and DestroyObjects, for callers that don't
// already manage their own pool (subscriber and admin connections are
// always caller-supplied; this is a convenience, not a requirement).
// size bounds the pool's max connections; waitForStartup retries the
// initial ping with backoff instead of failing immediately, for use
// against a database that may still be starting up (e.g. in
// integration tests). The returned cleanup closes the pool; it is also
// closed automatically once ctx is canceled.
func OpenConnPool(ctx context.Context, connString string, size int32, waitForStartup bool) (Conn, func(), error) {
	opts := []stdpool.Option{stdpool.WithPoolSize(size)}
	if waitForStartup {
		opts = append(opts, stdpool.WithWaitForStartup())
	}
	stopCtx := stopper.New(ctx)
	pool, cleanup, err := stdpool.OpenPool(stopCtx, connString, opts...)
	if err != nil {
		return nil, nil, err
	}
	go func() {
		<-stopCtx.Done()
		stopCtx.Stop()
	}()
	return pool, cleanup, nil
}

// Start implements §4.9's lifecycle step 1-6: opens the dedicated
// listener connection, installs the shared parse-query routine and the
// pgcrypto extension the trigger body depends on, begins listening, and
// launches the poll and dispatch tasks. The returned System's
// subscription registry starts empty.
func Start(ctx context.Context, connString string, cfg Config, errorHandler ErrorHandler) (*System, error) {
	cfg.setDefaults()

	instanceID := uuid.New().String()
	diagnostics := diag.New()
	stopCtx := stopper.New(ctx)

	conn, closeConn, err := stdpool.OpenListener(stopCtx, connString, stdpool.WithDiagnostics(diagnostics, "listener"))
	if err != nil {
		return nil, errors.Wrap(err, "could not open listener connection")
	}

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS pgcrypto"); err != nil {
		closeConn()
		return nil, errors.Wrap(err, "could not create pgcrypto extension")
	}
	if _, err := conn.Exec(ctx, sqlassets.CreateParseQueryRoutine(sqlassets.ParseQueryFunction)); err != nil {
		closeConn()
		return nil, errors.Wrap(err, "could not install parse-query routine")
	}

	l := listener.New(conn, cfg.PollInterval, cfg.NotifyBufferSize, func(err error) {
		reportSystemError(instanceID, errorHandler, ErrListenerConnLoss, err, types.ErrorContext{})
	})
	if err := l.Listen(ctx); err != nil {
		closeConn()
		return nil, errors.Wrap(err, "could not LISTEN on notification channel")
	}

	thresholds := sqlassets.Thresholds{
		HashThresholdBytes:    cfg.HashThreshold,
		EnvelopeTargetBytes:   cfg.EnvelopeTarget,
		DegradeThresholdBytes: cfg.DegradeThreshold,
	}

	sys := &System{
		cfg:          cfg,
		instanceID:   instanceID,
		listenConn:   conn,
		closeConn:    closeConn,
		listener:     l,
		manager:      subscription.NewManager(errorHandler, thresholds, cfg.DefaultThrottleMs),
		ctx:          stopCtx,
		diagnostic:   diagnostics,
		errorHandler: errorHandler,
	}

	l.Start(stopCtx)
	stopCtx.Go(func() error {
		sys.dispatch(stopCtx)
		return nil
	})

	runningSystems.Add(1)
	return sys, nil
}

// dispatch is the single task draining decoded notifications and
// fanning them out to the registry (§4.9 step 5, §5 "dispatch" task).
func (s *System) dispatch(ctx *stopper.Context) {
	typeMap := pgtype.NewMap()
	for {
		select {
		case <-ctx.Stopping():
			return
		case payload, ok := <-s.listener.Payloads:
			if !ok {
				return
			}
			change, err := decode.Decode(payload, typeMap)
			if err != nil {
				kind := ErrDecode
				var triggerErr *decode.TriggerError
				if errors.As(err, &triggerErr) {
					kind = ErrTriggerRuntime
				}
				reportSystemError(s.instanceID, s.errorHandler, kind, err, types.ErrorContext{})
				continue
			}
			s.manager.Dispatch(ctx, change)
		}
	}
}

// Subscribe registers a new live query, or re-subscribes an existing
// id, installing triggers for every table the query reads and running
// it once synchronously before returning (§4.7 "On subscribe").
func (s *System) Subscribe(
	ctx context.Context, id string, conn Conn, query string, run QueryRunner, opts SubscribeOptions,
) (*Subscription, error) {
	sub, err := s.manager.Subscribe(ctx, id, conn, query, subscription.Options{
		ThrottleMs:   opts.ThrottleMs,
		Policy:       opts.Policy,
		ErrorHandler: opts.ErrorHandler,
	}, run)
	if err != nil {
		return nil, err
	}
	return &Subscription{sub: sub}, nil
}

// Lookup returns the handle previously registered under id, or nil if
// there is none (the `subscribe(id)` lookup form of §6).
func (s *System) Lookup(id string) *Subscription {
	sub := s.manager.Get(id)
	if sub == nil {
		return nil
	}
	return &Subscription{sub: sub}
}

// Unsubscribe closes id's throttler and removes it from the registry.
// Triggers installed for its tables are left in place.
func (s *System) Unsubscribe(id string) {
	s.manager.Unsubscribe(id)
}

// Shutdown stops the poll and dispatch tasks, waits for them to return,
// and closes the listener connection. It does not uninstall triggers.
// Subscriptions stay registered and their throttlers are not closed: a
// trailing refresh that was already pending may still run afterwards.
func (s *System) Shutdown() error {
	s.ctx.Stop()
	err := s.ctx.Wait()
	s.closeConn()
	if s.stopped.CompareAndSwap(false, true) {
		runningSystems.Add(-1)
	}
	return err
}

// DestroyObjects drops every function and trigger pg-realtime has ever
// installed, identified by the reserved name prefix (§4.9
// destroy-objects). It refuses to run while any System in this process
// is still started; callers must Shutdown every System first.
func DestroyObjects(ctx context.Context, conn types.Conn) error {
	if runningSystems.Load() > 0 {
		return errors.New("pg-realtime: DestroyObjects requires every System to be shut down first")
	}

	rows, err := conn.Query(ctx, sqlassets.DestroyObjectsQuery)
	if err != nil {
		return errors.Wrap(err, "could not enumerate pg-realtime objects")
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return errors.WithStack(err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.WithStack(err)
	}

	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			_, err := conn.Exec(ctx, "DROP FUNCTION IF EXISTS "+name+" CASCADE")
			return errors.Wrapf(err, "dropping %s", name)
		})
	}
	return g.Wait()
}

func reportSystemError(instanceID string, handler ErrorHandler, kind ErrorKind, err error, errCtx types.ErrorContext) {
	if handler == nil {
		log.WithError(err).WithField("kind", kind).WithField("instance", instanceID).Error("pg-realtime error")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("pg-realtime error handler panicked: %v", r)
		}
	}()
	handler(kind, err, errCtx)
}

// Subscription is a caller-facing handle to a live, subscribed query.
type Subscription struct {
	sub *subscription.Subscription
}

// Current synchronously reads the subscription's current result (§6
// `current(handle)`).
func (h *Subscription) Current() any {
	return h.sub.Current()
}

// Watch registers callback under key, invoked with (old, new) whenever
// the result changes.
func (h *Subscription) Watch(key string, callback func(old, new any)) {
	h.sub.Watch(key, callback)
}

// Unwatch removes a callback previously registered with Watch.
func (h *Subscription) Unwatch(key string) {
	h.sub.Unwatch(key)
}

// Health runs every registered diagnostic check (currently, pinging the
// listener connection) and returns a map of check name to failure, for
// checks that failed. An empty map means everything is healthy.
func (s *System) Health(ctx context.Context) map[string]error {
	return s.diagnostic.Run(ctx)
}

// InstanceID returns the identifier generated for this System at
// Start, used to correlate its log lines and error reports when more
// than one System is running in the same process.
func (s *System) InstanceID() string {
	return s.instanceID
}
