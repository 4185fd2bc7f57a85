/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewCronNonNil(t *testing.T) {
	require.NotNil(t, newCron(zerolog.Nop()))
}

func TestJobRunnerBuildsClosurePerIndex(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs = []Job{
		{Name: "first", Schedule: "@every 1m", Entity: "public.v_project", OutputPath: "/tmp/first.ndjson"},
		{Name: "second", Schedule: "@every 1m", Entity: "public.v_issue", OutputPath: "/tmp/second.ndjson"},
	}
	r, err := NewRunner(&cfg, zerolog.Nop())
	require.NoError(t, err)

	// jobRunner must build a closure bound to its own index, not the loop
	// variable of a shared range (the classic pre-Go-1.22 capture bug).
	fn0 := r.jobRunner(0)
	fn1 := r.jobRunner(1)
	require.NotNil(t, fn0)
	require.NotNil(t, fn1)

	// runJob itself dials out over the network, which is out of scope for
	// a unit test, so the closures are not called: we only assert that one
	// is built per index and that the job list keeps its order.
	require.Equal(t, "first", r.cfg.Jobs[0].Name)
	require.Equal(t, "second", r.cfg.Jobs[1].Name)
}

func TestLoggerForCronErrorDoesNotPanic(t *testing.T) {
	l := &loggerForCron{logger: zerolog.Nop()}
	require.NotPanics(t, func() {
		l.Error(errors.New("boom"), "oops", "key", "value")
	})
}
