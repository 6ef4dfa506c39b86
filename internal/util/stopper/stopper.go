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

// Package stopper provides a cooperative shutdown context: a
// context.Context that also tracks a group of goroutines it has
// launched, so that Stop can request them to wind down and Wait can
// block until they have.
package stopper

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// A Context wraps a context.Context with goroutine tracking. It is
// itself a context.Context, so it can be passed anywhere a
// context.Context is expected.
type Context struct {
	context.Context

	cancel func()

	mu struct {
		sync.Mutex
		err     error
		stopped bool
	}
	stopping chan struct{}
	wg       sync.WaitGroup
}

// New returns a Context derived from parent. Calling Stop on the
// returned Context cancels its derived context.Context and closes the
// channel returned by Stopping.
func New(parent context.Context) *Context {
	inner, cancel := context.WithCancel(parent)
	ret := &Context{
		Context:  inner,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
	return ret
}

// Go launches fn in a new goroutine tracked by this Context. If fn
// returns a non-nil error, it is recorded and will be returned by Wait.
// Go must not be called after Stop has returned.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil {
			c.mu.Lock()
			if c.mu.err == nil {
				c.mu.err = err
			}
			c.mu.Unlock()
		}
	}()
}

// Stopping returns a channel that is closed when Stop is called. Tasks
// launched with Go should select on this channel to know when to
// return.
func (c *Context) Stopping() <-chan struct{} {
	return c.stopping
}

// Stop requests all tasks launched with Go to terminate by canceling
// the derived context.Context and closing the channel returned by
// Stopping. Stop does not wait for those tasks to actually exit; call
// Wait for that.
func (c *Context) Stop() {
	c.mu.Lock()
	already := c.mu.stopped
	c.mu.stopped = true
	c.mu.Unlock()
	if already {
		return
	}
	close(c.stopping)
	c.cancel()
}

// Wait blocks until every goroutine launched with Go has returned, then
// returns the first non-nil error any of them reported, if any. Wait
// does not itself call Stop.
func (c *Context) Wait() error {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.WithStack(c.mu.err)
}
