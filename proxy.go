// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package proxywrap

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/saucelabs/proxywrap/log"
)

const (
	// requestBufferSize bounds the first read of a client request
	// and the read of the upstream CONNECT response.
	requestBufferSize = 4 * 1024

	proxyAuthorizationHeader = "Proxy-Authorization"

	connectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
)

// Proxy is a local forward proxy that injects Proxy-Authorization credentials
// and forwards all traffic, plain HTTP and CONNECT tunnels alike, to an
// upstream proxy. Each client connection maps to exactly one fresh upstream
// connection, there is no pooling and no retry.
type Proxy struct {
	config   ProxyConfig
	upstream *UpstreamConfig
	dialer   *Dialer
	log      log.Logger
	metrics  *proxyMetrics
	listener *Listener
}

// NewProxy creates a new Proxy and binds its listener.
// It is the caller's responsibility to call Run on the returned proxy.
func NewProxy(cfg *ProxyConfig, upstream *UpstreamConfig, log log.Logger) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if upstream == nil {
		return nil, errors.New("upstream config is required")
	}

	p := &Proxy{
		config:   *cfg,
		upstream: upstream,
		dialer: NewDialer(&DialConfig{
			DialTimeout: cfg.DialTimeout,
			KeepAlive:   true,
		}),
		log:     log,
		metrics: newProxyMetrics(cfg.PromRegistry, cfg.PromNamespace),
	}

	l := &Listener{
		Address:   cfg.Addr,
		Log:       log,
		Callbacks: p.metrics,
	}
	if err := l.Listen(); err != nil {
		return nil, err
	}
	p.listener = l

	p.log.Infof("PROXY server listen address=%s", l.Addr())

	return p, nil
}

// Addr returns the address the proxy listens on.
func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}

// Run accepts and serves client connections until ctx is canceled.
// On cancel the listener is closed and accepting stops,
// in-flight sessions are not forcibly aborted.
func (p *Proxy) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := p.listener.Close(); err != nil && !isClosedConnError(err) {
			p.log.Errorf("failed to close listener: %v", err)
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				p.log.Debugf("listener closed")
				return nil
			}
			return err
		}
		go p.handle(conn)
	}
}

// handle serves a single client connection. It owns the client connection
// and, once dialed, the upstream connection, the pair is always closed together.
func (p *Proxy) handle(conn net.Conn) {
	p.metrics.active.Inc()
	defer p.metrics.active.Dec()

	if err := conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout)); err != nil {
		p.log.Errorf("failed to set read deadline: %v", err)
		conn.Close()
		return
	}

	buf := make([]byte, requestBufferSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		// A client that connects and sends nothing is not an error.
		if err != nil && !errors.Is(err, io.EOF) {
			p.log.Debugf("client read from %s: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		p.log.Errorf("failed to clear read deadline: %v", err)
		conn.Close()
		return
	}

	// Invalid byte sequences are tolerated, the request is only ever
	// inspected with substring checks and re-sent verbatim.
	req := string(buf[:n])
	firstLine, _, _ := strings.Cut(req, "\n")
	p.log.Infof("%s -> %s", conn.RemoteAddr(), strings.TrimSpace(firstLine))

	if strings.HasPrefix(firstLine, "CONNECT") {
		p.handleConnect(conn, strings.TrimRight(firstLine, "\r"))
	} else {
		p.handleForward(conn, req)
	}
}

// handleConnect implements the HTTPS tunneling path. The CONNECT line is
// forwarded to the upstream proxy together with the configured credentials,
// the target itself is never dialed, the upstream proxy does that.
func (p *Proxy) handleConnect(conn net.Conn, connectLine string) {
	p.metrics.session("connect")

	if len(strings.Fields(connectLine)) < 2 {
		p.log.Errorf("malformed CONNECT line %q", connectLine)
		p.metrics.error("malformed_connect")
		conn.Close()
		return
	}

	upstream, err := p.dialUpstream()
	if err != nil {
		p.log.Errorf("failed to dial upstream proxy %s: %v", p.upstream.HostPort(), err)
		p.metrics.error("dial")
		conn.Close()
		return
	}

	var sb strings.Builder
	sb.WriteString(connectLine)
	sb.WriteString("\r\n")
	if p.upstream.AuthConfigured() {
		sb.WriteString(proxyAuthorizationHeader + ": " + p.upstream.AuthHeader + "\r\n")
	}
	sb.WriteString("\r\n")

	if _, err := upstream.Write([]byte(sb.String())); err != nil {
		p.log.Errorf("failed to send CONNECT to upstream proxy: %v", err)
		p.metrics.error("upstream_write")
		closePair(conn, upstream)
		return
	}

	// Single bounded read, only the first line of the response matters.
	if err := upstream.SetReadDeadline(time.Now().Add(p.config.ReadTimeout)); err != nil {
		p.log.Errorf("failed to set read deadline: %v", err)
		closePair(conn, upstream)
		return
	}
	buf := make([]byte, requestBufferSize)
	n, err := upstream.Read(buf)
	if err != nil {
		p.log.Errorf("failed to read CONNECT response from upstream proxy: %v", err)
		p.metrics.error("upstream_read")
		closePair(conn, upstream)
		return
	}
	if err := upstream.SetReadDeadline(time.Time{}); err != nil {
		p.log.Errorf("failed to clear read deadline: %v", err)
		closePair(conn, upstream)
		return
	}

	res := buf[:n]
	resLine, _, _ := strings.Cut(string(res), "\n")
	if !strings.Contains(resLine, "200") {
		p.log.Errorf("upstream proxy responded: %s", strings.TrimSpace(resLine))
		p.metrics.error("upstream_reject")
		// Surface the authentic upstream rejection, not a synthesized error.
		if _, err := conn.Write(res); err != nil {
			p.log.Debugf("failed to forward upstream rejection: %v", err)
		}
		closePair(conn, upstream)
		return
	}

	if _, err := conn.Write([]byte(connectionEstablished)); err != nil {
		p.log.Debugf("failed to reply to client: %v", err)
		closePair(conn, upstream)
		return
	}

	newRelay(conn, upstream, p.config.IdleTimeout, p.log, p.metrics).run()
}

// handleForward implements the plain HTTP path. The raw request chunk is
// forwarded to the upstream proxy with the Proxy-Authorization header
// inserted as the first header if credentials are configured and the chunk
// does not already carry one. Any residual request body bytes are carried by
// the relay as an opaque stream, there is no Content-Length accounting.
func (p *Proxy) handleForward(conn net.Conn, req string) {
	p.metrics.session("forward")

	upstream, err := p.dialUpstream()
	if err != nil {
		// The client sees its connection closed with no response.
		p.log.Errorf("failed to dial upstream proxy %s: %v", p.upstream.HostPort(), err)
		p.metrics.error("dial")
		conn.Close()
		return
	}

	// The duplicate check is a raw case-sensitive substring match over the
	// first request chunk, headers are not parsed.
	if p.upstream.AuthConfigured() && !strings.Contains(req, proxyAuthorizationHeader+":") {
		lines := strings.Split(req, "\r\n")
		lines = append(lines[:1], append([]string{proxyAuthorizationHeader + ": " + p.upstream.AuthHeader}, lines[1:]...)...)
		req = strings.Join(lines, "\r\n")
	}

	if _, err := upstream.Write([]byte(req)); err != nil {
		p.log.Errorf("failed to forward request to upstream proxy: %v", err)
		p.metrics.error("upstream_write")
		closePair(conn, upstream)
		return
	}

	newRelay(conn, upstream, p.config.IdleTimeout, p.log, p.metrics).run()
}

func (p *Proxy) dialUpstream() (net.Conn, error) {
	return p.dialer.DialContext(context.Background(), "tcp", p.upstream.HostPort())
}

func closePair(client, upstream net.Conn) {
	client.Close()
	upstream.Close()
}
