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
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fraiseql/fraiseql-sub014"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const (
	readTimeout  = time.Minute
	writeTimeout = 5 * time.Minute
	idleTimeout  = 2 * time.Minute
)

type loggerForCORS struct {
	runner *Runner
}

func (l *loggerForCORS) Printf(f string, args ...interface{}) {
	l.runner.logger.Debug().Msgf(f, args...)
}

func (r *Runner) setupRouter() *chi.Mux {
	router := chi.NewRouter()

	if corsCfg := r.cfg.CORS; corsCfg != nil {
		options := cors.Options{
			AllowedOrigins:   corsCfg.AllowedOrigins,
			AllowedMethods:   corsCfg.AllowedMethods,
			AllowedHeaders:   corsCfg.AllowedHeaders,
			ExposedHeaders:   corsCfg.ExposedHeaders,
			AllowCredentials: corsCfg.AllowCredentials,
			Debug:            corsCfg.Debug,
		}
		if corsCfg.MaxAge != nil && *corsCfg.MaxAge > 0 {
			options.MaxAge = *corsCfg.MaxAge
		}
		c := cors.New(options)
		if corsCfg.Debug {
			c.Log = &loggerForCORS{runner: r}
		}
		router.Use(c.Handler)
	}

	router.Handle("/metrics", promhttp.HandlerFor(fraiseql.DefaultMetrics.Registry,
		promhttp.HandlerOpts{}))
	router.Get("/healthz", r.serveHealthz)

	for i := range r.cfg.Streams {
		r.setupStream(router, &r.cfg.Streams[i])
	}

	return router
}

func (r *Runner) serveHealthz(resp http.ResponseWriter, req *http.Request) {
	resp.Header().Set("Content-Type", "application/json")
	resp.Write([]byte(`{"status":"ok"}`))
}

func (r *Runner) setupStream(router *chi.Mux, s *Stream) {
	var handler http.HandlerFunc = func(resp http.ResponseWriter, req *http.Request) {
		r.serveStream(resp, req, s)
	}
	router.HandleFunc(s.URI, handler)
}

// serveStream dials a fresh connection and runs one query per client
// request, relaying decoded rows through a rowBridge as they arrive off
// the wire. There is no fan-out across clients: each connection gets its
// own query, matching the core client's one-connection, no-pooling model.
func (r *Runner) serveStream(resp http.ResponseWriter, req *http.Request, s *Stream) {
	logger := r.logger.With().Str("endpoint", s.URI).Logger()
	if s.Debug {
		logger.Debug().Str("entity", s.Entity).Str("type", s.Type).Msg("stream handler start")
	}

	_, _ = io.CopyN(io.Discard, req.Body, 4096)

	client, err := r.dial()
	if err != nil {
		logger.Error().Err(err).Msg("stream failed to connect")
		http.Error(resp, "failed to connect", http.StatusServiceUnavailable)
		return
	}
	defer client.Close()

	b := client.Query(s.Entity)
	for _, frag := range s.WhereSQL {
		b.WhereSQL(frag)
	}
	if s.OrderBy != "" {
		b.OrderBy(s.OrderBy)
	}
	if s.ChunkSize > 0 {
		b.ChunkSize(s.ChunkSize)
	}

	jstream, err := fraiseql.Execute[json.RawMessage](b)
	if err != nil {
		logger.Error().Err(err).Msg("stream query failed to start")
		http.Error(resp, "query failed to start", http.StatusBadGateway)
		return
	}

	ctx, cancel := context.WithCancel(r.bgctx)
	defer cancel()

	bridge := newRowBridge()
	go bridge.pump(ctx, newRowStream(jstream))

	var err2 error
	if s.Type == "websocket" {
		err2 = bridge.loopWS(ctx, resp, req)
	} else {
		err2 = bridge.loopSSE(ctx, resp, req)
	}
	jstream.Close()

	if err2 != nil && !errors.Is(err2, context.Canceled) {
		if msg := err2.Error(); strings.Contains(msg, "broken pipe") || strings.Contains(msg, "i/o timeout") {
			err2 = nil
		}
	}
	if err2 != nil {
		logger.Error().Err(err2).Msg("stream closed on error")
	} else if s.Debug {
		logger.Debug().Str("entity", s.Entity).Str("type", s.Type).Msg("stream handler end")
	}
}

func (r *Runner) startHTTPServer() error {
	router := r.setupRouter()
	var h http.Handler = router
	h = middleware.Compress(5)(h)

	listen := r.cfg.Listen
	if listen == "" {
		listen = ":8080"
	} else if !rxPort.MatchString(listen) {
		listen += ":8080"
	}

	lnr, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	r.srv = &http.Server{
		Handler:      h,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	go r.srv.Serve(lnr)
	r.logger.Info().Str("listen", listen).Msg("HTTP server started")
	return nil
}
