// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package proxywrap

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ParseUpstreamURL parses and validates an upstream proxy URL.
//
// Requirements:
// - Scheme: http.
// - Hostname must be present.
// - Port in a valid range: 1 - 65535, default 80 if not specified.
// - (Optional) username and password.
func ParseUpstreamURL(val string) (*url.URL, error) {
	u, err := url.Parse(val)
	if err != nil {
		return nil, err
	}
	if err := validateUpstreamURL(u); err != nil {
		return nil, fmt.Errorf("invalid upstream proxy URL %q: %w", val, err)
	}

	return u, nil
}

func validateUpstreamURL(u *url.URL) error {
	if u == nil {
		return errors.New("url is required")
	}
	if u.Scheme != "http" {
		return fmt.Errorf("invalid scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if p := u.Port(); p != "" && !isPort(p) {
		return fmt.Errorf("invalid port %q", p)
	}

	return nil
}

func isPort(s string) bool {
	p, err := strconv.Atoi(s)
	if err != nil {
		return false
	}
	return 1 <= p && p <= 65535
}

// UpstreamConfig describes the upstream proxy all traffic is forwarded to.
// It is built once at startup and never mutated afterwards,
// sessions share it without synchronization.
type UpstreamConfig struct {
	Host string
	Port string

	// AuthHeader is a ready to use Proxy-Authorization header value.
	// It is empty if the upstream URL carries no credentials,
	// in which case no header is ever injected.
	AuthHeader string
}

// NewUpstreamConfig builds UpstreamConfig from a parsed upstream proxy URL.
// The Basic auth header value is derived only if the URL has both username and password.
func NewUpstreamConfig(u *url.URL) (*UpstreamConfig, error) {
	if err := validateUpstreamURL(u); err != nil {
		return nil, err
	}

	c := &UpstreamConfig{
		Host: u.Hostname(),
		Port: u.Port(),
	}
	if c.Port == "" {
		c.Port = "80"
	}

	if ui := u.User; ui != nil {
		p, _ := ui.Password()
		if ui.Username() != "" && p != "" {
			c.AuthHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(ui.Username()+":"+p))
		}
	}

	return c, nil
}

// HostPort returns the upstream address in host:port form.
func (c *UpstreamConfig) HostPort() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// AuthConfigured reports whether credentials were present in the upstream URL.
func (c *UpstreamConfig) AuthConfigured() bool {
	return c.AuthHeader != ""
}

type ProxyConfig struct {
	// Addr is the local listen address.
	Addr string `json:"addr"`

	// ReadTimeout bounds the wait for the first chunk of a client request.
	// A client that sends nothing within the window has its connection closed.
	ReadTimeout time.Duration `json:"read_timeout"`

	// IdleTimeout ends a relay after total inactivity on both sides.
	IdleTimeout time.Duration `json:"idle_timeout"`

	// DialTimeout is the maximum amount of time an upstream dial
	// will wait for connect to complete.
	DialTimeout time.Duration `json:"dial_timeout"`

	// PromNamespace is the namespace to use for the Prometheus metrics.
	PromNamespace string `json:"prom_namespace"`

	// PromRegistry is the Prometheus registry that will be used to register the metrics.
	PromRegistry prometheus.Registerer `json:"-"`
}

func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		Addr:        "127.0.0.1:8888",
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
		DialTimeout: 10 * time.Second,
	}
}

func (c *ProxyConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle timeout must be positive")
	}

	return nil
}
