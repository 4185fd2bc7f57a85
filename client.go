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

package fraiseql

import (
	"sync"

	"github.com/fraiseql/fraiseql-sub014/wire"
)

// Client owns a single authenticated connection. It is not safe for
// concurrent use: at most one query is in flight per Client, enforced by
// queryInFlight below.
type Client struct {
	cfg    ConnConfig
	t      *transport
	params map[string]string
	pid    int32
	secret int32

	mu            sync.Mutex
	ready         bool
	queryInFlight bool
	unusable      bool
}

// Connect dials connString and completes the handshake (cleartext or
// SCRAM-SHA-256, whichever the server demands) with no TLS.
func Connect(connString string) (*Client, error) {
	cfg, err := ParseConnString(connString)
	if err != nil {
		return nil, err
	}
	return connect(cfg)
}

// ConnectTLS dials connString and negotiates the given TLS configuration
// before completing the handshake. It overrides any sslmode embedded in
// connString.
func ConnectTLS(connString string, tlsCfg TLSConfig) (*Client, error) {
	cfg, err := ParseConnString(connString)
	if err != nil {
		return nil, err
	}
	cfg.TLS = tlsCfg.Clone()
	cfg.TLS.Enabled = true
	return connect(cfg)
}

func connect(cfg ConnConfig) (*Client, error) {
	t, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	hs, err := runHandshake(t, cfg)
	if err != nil {
		t.close()
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		t:      t,
		params: hs.params,
		pid:    hs.backendPID,
		secret: hs.backendKey,
		ready:  true,
	}, nil
}

// Parameter returns a server parameter negotiated during startup (e.g.
// server_version), and whether it was present.
func (c *Client) Parameter(name string) (string, bool) {
	v, ok := c.params[name]
	return v, ok
}

// Close sends Terminate and releases the connection. The Client must not
// be used afterward.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil
	}
	c.ready = false
	_ = c.t.write(wire.Encode(wire.Terminate{}))
	return c.t.close()
}

// acquireQuerySlot enforces "at most one query in flight per Client".
func (c *Client) acquireQuerySlot() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return newError(CategoryConnection, "client is not ready (handshake incomplete or already closed)")
	}
	if c.unusable {
		return newError(CategoryConnection, "client was marked unusable after a prior query failed to drain")
	}
	if c.queryInFlight {
		return newError(CategoryConfig, "a query is already in flight on this client")
	}
	c.queryInFlight = true
	return nil
}

func (c *Client) releaseQuerySlot(markUnusable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryInFlight = false
	if markUnusable {
		c.unusable = true
	}
}

// sendCancelRequest opens a fresh transport and sends CancelRequest with
// this Client's captured backend key, per spec: a second short-lived
// connection, not the primary one.
func (c *Client) sendCancelRequest() error {
	t, err := dial(c.cfg)
	if err != nil {
		return err
	}
	defer t.close()
	return t.write(wire.Encode(wire.CancelRequest{PID: c.pid, SecretKey: c.secret}))
}
