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
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config is the user-visible configuration for a System. It follows the
// same Bind/Preflight shape the rest of this stack's subsystems use, so
// an embedding application can compose pg-realtime's flags into its own
// pflag.FlagSet.
type Config struct {
	PollInterval      time.Duration
	NotifyBufferSize  int
	DefaultThrottleMs int
	HashThreshold     int
	EnvelopeTarget    int
	DegradeThreshold  int
}

// Bind registers flags for every tunable field. The notification
// channel name and object prefix are not configurable: they are fixed
// by sqlassets so that two Systems against the same database always
// agree on them.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.DurationVar(
		&c.PollInterval,
		"pgRealtimePollInterval",
		200*time.Millisecond,
		"how often the listener checks for shutdown between notification waits")
	flags.IntVar(
		&c.NotifyBufferSize,
		"pgRealtimeNotifyBufferSize",
		100,
		"the size of the bounded queue between the listener and the dispatcher; overflow drops the newest notification")
	flags.IntVar(
		&c.DefaultThrottleMs,
		"pgRealtimeDefaultThrottleMs",
		500,
		"the default per-subscription refresh throttle, in milliseconds, when a subscription does not specify its own")
	flags.IntVar(
		&c.HashThreshold,
		"pgRealtimeHashThreshold",
		5000,
		"columns whose text form exceeds this many bytes are hashed in the trigger payload rather than sent in full")
	flags.IntVar(
		&c.EnvelopeTarget,
		"pgRealtimeEnvelopeTarget",
		7500,
		"the trigger degrades additional columns to hashes until the JSON envelope is at or under this many bytes")
	flags.IntVar(
		&c.DegradeThreshold,
		"pgRealtimeDegradeThreshold",
		64,
		"columns at or under this many bytes are never degraded, even under envelope-size pressure")
}

// Preflight validates the configuration and fills in any zero-valued
// field with its default.
func (c *Config) Preflight() error {
	if c.PollInterval < 0 {
		return errors.New("pollInterval must be positive")
	}
	if c.NotifyBufferSize < 0 {
		return errors.New("notifyBufferSize must be positive")
	}
	if c.DefaultThrottleMs < 0 {
		return errors.New("defaultThrottleMs must be positive")
	}

	c.setDefaults()

	if c.DegradeThreshold > c.HashThreshold {
		return errors.New("degradeThreshold must not exceed hashThreshold")
	}
	if c.HashThreshold > c.EnvelopeTarget {
		return errors.New("hashThreshold must not exceed envelopeTarget")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.NotifyBufferSize <= 0 {
		c.NotifyBufferSize = 100
	}
	if c.DefaultThrottleMs <= 0 {
		c.DefaultThrottleMs = 500
	}
	if c.HashThreshold <= 0 {
		c.HashThreshold = 5000
	}
	if c.EnvelopeTarget <= 0 {
		c.EnvelopeTarget = 7500
	}
	if c.DegradeThreshold <= 0 {
		c.DegradeThreshold = 64
	}
}
