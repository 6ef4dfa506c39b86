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

// Package listener owns the single dedicated connection that LISTENs
// on pg-realtime's fixed channel and publishes raw notification
// payloads into a bounded internal queue (§4.4). Grounded on the
// retrieved fluxbase realtime listener's WaitForNotification polling
// loop, adapted to run under a stopper.Context-supervised task.
package listener

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jazzytomato/pg-realtime/internal/sqlassets"
	"github.com/jazzytomato/pg-realtime/internal/util/stopper"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	queueDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgrealtime_notify_queue_drops_total",
		Help: "the number of notifications dropped because the internal queue was full",
	})
	notificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgrealtime_notifications_total",
		Help: "the number of notifications received on the pg-realtime channel",
	})
)

// ConnLossHandler is invoked once, from the poll task, if the listener
// connection is lost or a fatal error occurs while waiting for
// notifications. Reconnection is out of scope (spec §9): the poll task
// terminates after calling this handler.
type ConnLossHandler func(err error)

// Listener holds the dedicated LISTEN connection and the poll task that
// drains it into Payloads.
type Listener struct {
	conn         *pgx.Conn
	pollInterval time.Duration

	// Payloads is the bounded queue raw notification payloads are
	// published into. Overflow drops the newest payload; see §4.4.
	Payloads chan []byte

	onConnLoss ConnLossHandler
}

// New constructs a Listener bound to conn, which must already be
// capable of receiving notifications (see stdpool.OpenListener). The
// caller is still responsible for issuing LISTEN before calling Start;
// Start only begins the polling loop.
func New(conn *pgx.Conn, pollInterval time.Duration, bufferSize int, onConnLoss ConnLossHandler) *Listener {
	return &Listener{
		conn:         conn,
		pollInterval: pollInterval,
		Payloads:     make(chan []byte, bufferSize),
		onConnLoss:   onConnLoss,
	}
}

// Listen issues LISTEN on the fixed channel.
func (l *Listener) Listen(ctx context.Context) error {
	_, err := l.conn.Exec(ctx, "LISTEN "+sqlassets.Channel)
	return errors.WithStack(err)
}

// Start launches the poll task under ctx. It returns immediately; the
// task runs until ctx.Stopping() is closed or a fatal connection error
// occurs.
func (l *Listener) Start(ctx *stopper.Context) {
	ctx.Go(func() error {
		l.poll(ctx)
		return nil
	})
}

// poll repeatedly waits for a notification with a bounded timeout so it
// can observe ctx.Stopping() between waits, and publishes each payload
// into Payloads without blocking.
func (l *Listener) poll(ctx *stopper.Context) {
	for {
		select {
		case <-ctx.Stopping():
			return
		default:
		}

		waitCtx, cancel := context.WithTimeout(ctx, l.pollInterval)
		notice, err := l.conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if waitCtx.Err() != nil {
				// Plain poll-interval timeout: no notification arrived
				// this tick, keep polling.
				continue
			}
			select {
			case <-ctx.Stopping():
				return
			default:
			}
			log.WithError(err).Error("pg-realtime listener connection lost")
			if l.onConnLoss != nil {
				l.onConnLoss(err)
			}
			return
		}

		notificationsTotal.Inc()
		select {
		case l.Payloads <- []byte(notice.Payload):
		default:
			queueDropsTotal.Inc()
			log.Warn("pg-realtime notification queue full, dropping newest notification")
		}
	}
}
