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

package listener_test

import (
	"testing"
	"time"

	"github.com/jazzytomato/pg-realtime/internal/listener"
	"github.com/stretchr/testify/require"
)

// New's behavior is pure construction: the polling loop itself needs a
// live *pgx.Conn capable of WaitForNotification, which cannot be faked
// without a real Postgres connection, so only the buffer sizing and
// field wiring are exercised here.

func TestNewSizesPayloadsBuffer(t *testing.T) {
	l := listener.New(nil, 200*time.Millisecond, 128, nil)
	require.Equal(t, 128, cap(l.Payloads))
	require.Equal(t, 0, len(l.Payloads))
}

func TestNewAcceptsNilConnLossHandler(t *testing.T) {
	require.NotPanics(t, func() {
		listener.New(nil, time.Second, 1, nil)
	})
}
