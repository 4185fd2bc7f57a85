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
	"net/url"
	"strconv"
	"strings"
)

// TLSConfig is an immutable bundle of TLS negotiation knobs. The zero value
// means "no TLS".
type TLSConfig struct {
	Enabled                  bool
	CABundle                 []byte // nil selects the system trust store
	VerifyHostname           bool
	DangerAcceptInvalidCerts bool // development only
}

// Clone returns an independent copy so a single TLSConfig can be reused
// across connections without aliasing CABundle.
func (t TLSConfig) Clone() TLSConfig {
	out := t
	if t.CABundle != nil {
		out.CABundle = append([]byte(nil), t.CABundle...)
	}
	return out
}

// ConnConfig is a parsed, immutable connection endpoint.
type ConnConfig struct {
	Host       string // empty + UnixSocket set means Unix socket transport
	Port       int
	UnixSocket string
	User       string
	Password   string
	Database   string
	TLS        TLSConfig
}

// defaultPort is used when the connection string omits one.
const defaultPort = 5432

// ParseConnString parses a URI-like connection string:
//
//	scheme://[user[:password]@]host[:port]/database[?param=value...]
//
// Recognized query parameters: host (overrides with a Unix socket path),
// sslmode (disable|require|verify-ca|verify-full), sslrootcert,
// sslinsecure (development only).
func ParseConnString(s string) (ConnConfig, error) {
	u, err := url.Parse(s)
	if err != nil {
		return ConnConfig{}, wrapError(CategoryConfig, err, "malformed connection string")
	}
	if u.Scheme == "" {
		return ConnConfig{}, newError(CategoryConfig, "connection string missing scheme")
	}

	cfg := ConnConfig{
		Host:     u.Hostname(),
		Database: strings.TrimPrefix(u.Path, "/"),
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return ConnConfig{}, newError(CategoryConfig, "invalid port %q", p)
		}
		cfg.Port = port
	} else {
		cfg.Port = defaultPort
	}
	if cfg.Database == "" {
		return ConnConfig{}, newError(CategoryConfig, "connection string missing database")
	}

	q := u.Query()
	if host := q.Get("host"); host != "" {
		cfg.UnixSocket = host
	}
	switch mode := q.Get("sslmode"); mode {
	case "", "disable":
		// TLS.Enabled stays false
	case "require", "verify-ca", "verify-full":
		cfg.TLS.Enabled = true
		cfg.TLS.VerifyHostname = mode == "verify-full"
	default:
		return ConnConfig{}, newError(CategoryConfig, "unsupported sslmode %q", mode)
	}
	if q.Get("sslinsecure") == "true" {
		cfg.TLS.DangerAcceptInvalidCerts = true
	}

	return cfg, nil
}

// addr returns the TCP dial address, host:port, for non-Unix-socket configs.
func (c ConnConfig) addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
