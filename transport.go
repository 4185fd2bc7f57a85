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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"

	"github.com/fraiseql/fraiseql-sub014/wire"
)

// newCertPoolFromPEM builds a cert pool from a PEM-encoded CA bundle,
// falling back to an empty pool (which rejects everything) on malformed
// input rather than silently trusting the system store instead.
func newCertPoolFromPEM(pem []byte) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(pem)
	return pool
}

// transport is the raw duplex byte stream a Client drives, plus the
// framing reader built on top of it.
type transport struct {
	conn   net.Conn
	reader *wire.Reader
	kind   string // "tcp" or "unix"
}

func dial(cfg ConnConfig) (*transport, error) {
	var conn net.Conn
	var err error
	kind := "tcp"
	if cfg.UnixSocket != "" {
		kind = "unix"
		conn, err = net.Dial("unix", cfg.UnixSocket)
	} else {
		conn, err = net.Dial("tcp", cfg.addr())
	}
	if err != nil {
		DefaultMetrics.ConnectionsFailedTotal.WithLabelValues("transport", string(CategoryConnection)).Inc()
		return nil, wrapError(CategoryConnection, err, "dial %s", kind)
	}

	t := &transport{conn: conn, kind: kind}
	if cfg.TLS.Enabled {
		if err := t.upgradeTLS(cfg); err != nil {
			conn.Close()
			DefaultMetrics.ConnectionsFailedTotal.WithLabelValues("transport", string(CategoryConnection)).Inc()
			return nil, err
		}
	}
	t.reader = wire.NewReader(t.conn, wire.MaxFrameLength)
	DefaultMetrics.ConnectionsCreatedTotal.WithLabelValues(kind).Inc()
	return t, nil
}

// upgradeTLS performs the server-specific TLS-upgrade handshake: send an
// SSLRequest frame, read the one-byte S/N response, then (on S) perform
// the TLS client handshake over the same connection.
func (t *transport) upgradeTLS(cfg ConnConfig) error {
	if _, err := t.conn.Write(wire.Encode(wire.SSLRequest{})); err != nil {
		return wrapError(CategoryConnection, err, "write SSLRequest")
	}
	reply := wire.NewReader(t.conn, 0)
	b, err := reply.ReadByte()
	if err != nil {
		return wrapError(CategoryConnection, err, "read SSLRequest response")
	}
	if b != 'S' {
		return newError(CategoryConnection, "server refused TLS upgrade (responded %q)", b)
	}

	tlsCfg := &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.TLS.DangerAcceptInvalidCerts,
	}
	if !cfg.TLS.VerifyHostname && !cfg.TLS.DangerAcceptInvalidCerts {
		// Verify the certificate chain against the trust roots, but not the
		// host name.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("server presented no certificate")
			}
			opts := x509.VerifyOptions{Roots: tlsCfg.RootCAs, Intermediates: x509.NewCertPool()}
			for _, c := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(c)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	}
	if cfg.TLS.CABundle != nil {
		pool := newCertPoolFromPEM(cfg.TLS.CABundle)
		tlsCfg.RootCAs = pool
	}

	tlsConn := tls.Client(t.conn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		return wrapError(CategoryConnection, err, "TLS handshake")
	}
	t.conn = tlsConn
	return nil
}

func (t *transport) write(b []byte) error {
	_, err := t.conn.Write(b)
	if err != nil {
		return wrapError(CategoryIO, err, "transport write")
	}
	return nil
}

func (t *transport) close() error {
	return t.conn.Close()
}
