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

// Package stdpool creates standardized Postgres connections: one
// dedicated connection for the notification listener, and pooled
// connections for everything else (trigger installation, subscriber
// queries, admin operations).
package stdpool

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jazzytomato/pg-realtime/internal/util/diag"
	"github.com/jazzytomato/pg-realtime/internal/util/stopper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Option configures a connection opened by this package.
type Option interface {
	apply(*options)
}

type options struct {
	diags      *diag.Diagnostics
	diagName   string
	maxConns   int32
	waitReady  bool
	pingRetry  time.Duration
	pingDelay  func(attempt int) time.Duration
	statements bool
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithDiagnostics registers the opened connection under name so that
// health checks can observe it.
func WithDiagnostics(diags *diag.Diagnostics, name string) Option {
	return optionFunc(func(o *options) {
		o.diags = diags
		o.diagName = name
	})
}

// WithPoolSize bounds the number of connections in a pooled open.
// Ignored by OpenListener, which is always exactly one connection.
func WithPoolSize(n int32) Option {
	return optionFunc(func(o *options) { o.maxConns = n })
}

// WithWaitForStartup retries the initial ping with backoff instead of
// failing immediately, for use against a database that may still be
// starting up (e.g. in integration tests).
func WithWaitForStartup() Option {
	return optionFunc(func(o *options) { o.waitReady = true })
}

func attachOptions(opts []Option) *options {
	ret := &options{
		maxConns: 8,
		pingDelay: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
	for _, opt := range opts {
		opt.apply(ret)
	}
	return ret
}

// OpenListener opens a single, dedicated connection intended for
// LISTEN/NOTIFY use. It must not be shared with query execution: a
// long-running LISTEN connection that also executes arbitrary queries
// risks stalling notification delivery behind a slow statement.
func OpenListener(
	ctx *stopper.Context, connString string, opts ...Option,
) (*pgx.Conn, func(), error) {
	o := attachOptions(opts)

	conn, err := dial(ctx, connString, o)
	if err != nil {
		return nil, nil, err
	}

	closed := make(chan struct{})
	cleanup := func() {
		select {
		case <-closed:
			return
		default:
			close(closed)
		}
		if err := conn.Close(context.Background()); err != nil {
			log.WithError(err).Warn("could not close listener connection")
		}
	}
	ctx.Go(func() error {
		<-ctx.Stopping()
		cleanup()
		return nil
	})

	if o.diags != nil {
		if err := o.diags.Register(o.diagName, func(checkCtx context.Context) error {
			return conn.Ping(checkCtx)
		}); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	return conn, cleanup, nil
}

// OpenPool opens a pgx connection pool suitable for trigger
// installation, subscriber query execution, and admin operations.
func OpenPool(
	ctx *stopper.Context, connString string, opts ...Option,
) (*pgxpool.Pool, func(), error) {
	o := attachOptions(opts)

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not parse connection string")
	}
	cfg.MaxConns = o.maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}

	if err := pingWithRetry(ctx, func(pingCtx context.Context) error {
		return pool.Ping(pingCtx)
	}, o); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() { pool.Close() }
	ctx.Go(func() error {
		<-ctx.Stopping()
		cleanup()
		return nil
	})

	if o.diags != nil {
		if err := o.diags.Register(o.diagName, func(checkCtx context.Context) error {
			return pool.Ping(checkCtx)
		}); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	log.Infof("opened connection pool %s (max conns %d)", o.diagName, o.maxConns)
	return pool, cleanup, nil
}

func dial(ctx context.Context, connString string, o *options) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse connection string")
	}

	var conn *pgx.Conn
	err = pingWithRetry(ctx, func(pingCtx context.Context) error {
		c, dialErr := pgx.ConnectConfig(pingCtx, cfg)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	}, o)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pingWithRetry calls fn once, and if waitReady is set, retries on
// failure with the configured backoff until ctx is done.
func pingWithRetry(ctx context.Context, fn func(context.Context) error, o *options) error {
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !o.waitReady {
			return errors.Wrap(err, "could not reach database")
		}
		log.WithError(err).Info("waiting for database to become ready")
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(o.pingDelay(attempt)):
		}
	}
}
