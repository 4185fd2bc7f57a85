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
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/fraiseql/fraiseql-sub014"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runner is the long-lived process: it schedules jobs on a cron, serves
// metrics/healthz/live-stream endpoints over HTTP, and dials fresh
// fraiseql connections on demand (one per job run, one per stream
// client) — the core client does no pooling, so neither does this.
type Runner struct {
	cfg    *Config
	logger zerolog.Logger

	srv *http.Server
	c   *cron.Cron

	bgctx       context.Context
	bgctxcancel context.CancelFunc
}

// NewRunner validates cfg and prepares a Runner. The configuration must be
// valid; the connection itself is not attempted until Start or a job/
// stream request dials one.
func NewRunner(cfg *Config, logger zerolog.Logger) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("invalid configuration: is nil")
	}
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	r := &Runner{cfg: cfg, logger: logger}
	r.c = newCron(logger)
	return r, nil
}

// dial opens one fresh, authenticated connection using the Runner's
// configured connection string and TLS policy.
func (r *Runner) dial() (*fraiseql.Client, error) {
	if r.cfg.TLS != nil && r.cfg.TLS.Enabled {
		tlsCfg := fraiseql.TLSConfig{
			VerifyHostname:           r.cfg.TLS.VerifyHostname,
			DangerAcceptInvalidCerts: r.cfg.TLS.Insecure,
		}
		if r.cfg.TLS.CABundlePath != "" {
			bundle, err := os.ReadFile(r.cfg.TLS.CABundlePath)
			if err != nil {
				return nil, err
			}
			tlsCfg.CABundle = bundle
		}
		return fraiseql.ConnectTLS(r.cfg.Connection, tlsCfg)
	}
	return fraiseql.Connect(r.cfg.Connection)
}

// Start schedules jobs, starts the cron, and brings up the HTTP server.
func (r *Runner) Start() error {
	r.bgctx, r.bgctxcancel = context.WithCancel(context.Background())

	if err := r.setupJobs(); err != nil {
		return err
	}
	r.c.Start()

	if err := r.startHTTPServer(); err != nil {
		return err
	}

	r.logger.Info().Int("jobs", len(r.cfg.Jobs)).Int("streams", len(r.cfg.Streams)).
		Msg("fraiseql-stream started")
	return nil
}

// Stop drains the cron and HTTP server within timeout.
func (r *Runner) Stop(timeout time.Duration) error {
	r.logger.Info().Float64("timeoutMS", float64(timeout)/1e6).Msg("stop requested, shutting down")

	cronCtx := r.c.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(timeout):
	}

	r.bgctxcancel()

	if r.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := r.srv.Shutdown(ctx); err != nil {
			return err
		}
		r.srv = nil
	}

	r.logger.Info().Msg("fraiseql-stream stopped")
	return nil
}
