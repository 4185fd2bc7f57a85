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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fraiseql/fraiseql-sub014"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

//------------------------------------------------------------------------------
// cron

func newCron(logger zerolog.Logger) *cron.Cron {
	l := &loggerForCron{logger}
	return cron.New(cron.WithLogger(l))
}

type loggerForCron struct {
	logger zerolog.Logger
}

func (l *loggerForCron) Info(msg string, keysAndValues ...interface{}) {
	// too verbose
}

func (l *loggerForCron) Error(err error, msg string, keysAndValues ...interface{}) {
	e := l.logger.Error().Err(err).Bool("crond", true)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		e = e.Str(fmt.Sprintf("%v", keysAndValues[i]), fmt.Sprintf("%v", keysAndValues[i+1]))
	}
	e.Msg(msg)
}

//------------------------------------------------------------------------------
// jobs

func (r *Runner) setupJobs() error {
	for i, job := range r.cfg.Jobs {
		if _, err := r.c.AddFunc(job.Schedule, r.jobRunner(i)); err != nil {
			r.logger.Error().Err(err).Str("job", job.Name).Msg("failed to schedule job")
			return fmt.Errorf("failed to schedule job %q: %v", job.Name, err)
		}
	}
	return nil
}

func (r *Runner) jobRunner(idx int) func() {
	return func() {
		r.runJob(&r.cfg.Jobs[idx])
	}
}

// runJob dials a fresh connection (connection pooling is explicitly out of
// scope for the core client), streams the job's query to completion, and
// atomically replaces OutputPath with the newline-delimited JSON result.
func (r *Runner) runJob(job *Job) {
	t0 := time.Now()
	logger := r.logger.With().Str("job", job.Name).Logger()
	if job.Debug {
		logger.Debug().Msg("job starting")
	}

	ctx := r.bgctx
	if job.Timeout != nil && *job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*job.Timeout*float64(time.Second)))
		defer cancel()
	}

	client, err := r.dial()
	if err != nil {
		logger.Error().Err(err).Msg("job failed to connect")
		return
	}
	defer client.Close()

	b := client.Query(job.Entity)
	for _, frag := range job.WhereSQL {
		b.WhereSQL(frag)
	}
	if job.OrderBy != "" {
		b.OrderBy(job.OrderBy)
	}
	if job.ChunkSize > 0 {
		b.ChunkSize(job.ChunkSize)
	}

	stream, err := fraiseql.Execute[json.RawMessage](b)
	if err != nil {
		logger.Error().Err(err).Msg("job query failed to start")
		return
	}

	tmp := job.OutputPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		logger.Error().Err(err).Msg("job failed to create output file")
		stream.Close()
		return
	}

	var rows, errs int
	for {
		item, ok := stream.Next(ctx)
		if !ok {
			break
		}
		if item.Err != nil {
			errs++
			logger.Error().Err(item.Err).Msg("row error during job run")
			if ctx.Err() != nil {
				stream.Close()
				break
			}
			continue
		}
		if _, err := f.Write(item.Value); err != nil {
			logger.Error().Err(err).Msg("job failed to write row")
			break
		}
		if _, err := f.Write([]byte{'\n'}); err != nil {
			logger.Error().Err(err).Msg("job failed to write row")
			break
		}
		rows++
	}

	if err := f.Close(); err != nil {
		logger.Error().Err(err).Msg("job failed to close output file")
		os.Remove(tmp)
		return
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		logger.Error().Err(err).Msg("job failed to prepare output directory")
		os.Remove(tmp)
		return
	}
	if err := os.Rename(tmp, job.OutputPath); err != nil {
		logger.Error().Err(err).Msg("job failed to replace output file")
		os.Remove(tmp)
		return
	}

	if job.Debug || errs > 0 {
		logger.Debug().Int("rows", rows).Int("errors", errs).
			Float64("elapsed", float64(time.Since(t0))/1e6).
			Msg("job completed")
	}
}
