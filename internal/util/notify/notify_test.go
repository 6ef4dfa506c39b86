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

package notify_test

import (
	"testing"
	"time"

	"github.com/jazzytomato/pg-realtime/internal/util/notify"
	"github.com/stretchr/testify/require"
)

func TestPeekAndSet(t *testing.T) {
	v := notify.NewVar(1)
	require.Equal(t, 1, v.Peek())
	v.Set(2)
	require.Equal(t, 2, v.Peek())
}

func TestGetWakesOnSet(t *testing.T) {
	v := notify.NewVar("a")
	_, ch := v.Get()

	select {
	case <-ch:
		t.Fatal("channel closed before any Set")
	default:
	}

	v.Set("b")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after Set")
	}
}

func TestUpdateSuppressesUnchanged(t *testing.T) {
	v := notify.NewVar(10)
	_, ch := v.Get()

	v.Update(func(cur int) (int, bool) {
		return cur, false
	})

	select {
	case <-ch:
		t.Fatal("Update with changed=false must not notify")
	default:
	}
	require.Equal(t, 10, v.Peek())

	v.Update(func(cur int) (int, bool) {
		return cur + 1, true
	})

	select {
	case <-ch:
	default:
		t.Fatal("Update with changed=true must notify")
	}
	require.Equal(t, 11, v.Peek())
}
