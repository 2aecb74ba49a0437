// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package proxywrap

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/saucelabs/proxywrap/log"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testAuthHeader = "Basic YWxpY2U6czNjcjN0"

// startUpstream starts a fake upstream proxy that serves each connection with fn.
func startUpstream(t *testing.T, fn func(conn net.Conn)) *UpstreamConfig {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go fn(conn)
		}
	}()
	t.Cleanup(func() { l.Close() })

	host, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	return &UpstreamConfig{
		Host:       host,
		Port:       port,
		AuthHeader: testAuthHeader,
	}
}

// startProxy starts the proxy on an ephemeral port and returns its address.
func startProxy(t *testing.T, cfg *ProxyConfig, upstream *UpstreamConfig) string {
	t.Helper()

	if cfg == nil {
		cfg = DefaultProxyConfig()
		cfg.ReadTimeout = 2 * time.Second
		cfg.IdleTimeout = 2 * time.Second
	}
	cfg.Addr = "127.0.0.1:0"

	p, err := NewProxy(cfg, upstream, log.NopLogger)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		if err := p.Run(ctx); err != nil {
			t.Errorf("proxy run: %v", err)
		}
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return p.Addr().String()
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readFullString(t *testing.T, r io.Reader, n int) string {
	t.Helper()

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return string(buf)
}

func TestProxyConnect(t *testing.T) {
	const wantConnect = "CONNECT example.com:443 HTTP/1.1\r\n" +
		"Proxy-Authorization: " + testAuthHeader + "\r\n\r\n"

	upstream := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()

		buf := make([]byte, len(wantConnect))
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Errorf("upstream read: %v", err)
			return
		}
		if got := string(buf); got != wantConnect {
			t.Errorf("upstream got %q, want %q", got, wantConnect)
			return
		}

		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

		// Echo tunneled bytes back with a marker.
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			return
		}
		conn.Write(append(b, " ack"...))
	})

	conn := dialProxy(t, startProxy(t, nil, upstream))
	conn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))

	if got := readFullString(t, conn, len(connectionEstablished)); got != connectionEstablished {
		t.Fatalf("client got %q, want %q", got, connectionEstablished)
	}

	conn.Write([]byte("ping"))
	if got := readFullString(t, conn, 8); got != "ping ack" {
		t.Fatalf("tunnel got %q, want %q", got, "ping ack")
	}
}

func TestProxyConnectWithoutAuth(t *testing.T) {
	const wantConnect = "CONNECT example.com:443 HTTP/1.1\r\n\r\n"

	upstream := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()

		buf := make([]byte, len(wantConnect))
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Errorf("upstream read: %v", err)
			return
		}
		if got := string(buf); got != wantConnect {
			t.Errorf("upstream got %q, want %q", got, wantConnect)
		}
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	})
	upstream.AuthHeader = ""

	conn := dialProxy(t, startProxy(t, nil, upstream))
	conn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))

	if got := readFullString(t, conn, len(connectionEstablished)); got != connectionEstablished {
		t.Fatalf("client got %q, want %q", got, connectionEstablished)
	}
}

func TestProxyConnectUpstreamReject(t *testing.T) {
	const rejection = "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic\r\n\r\n"

	upstream := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()

		buf := make([]byte, 4096)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte(rejection))
	})

	conn := dialProxy(t, startProxy(t, nil, upstream))
	conn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))

	// The client receives the raw rejection bytes and then EOF, no relay starts.
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != rejection {
		t.Fatalf("client got %q, want %q", got, rejection)
	}
}

func TestProxyConnectMalformedLine(t *testing.T) {
	upstream := startUpstream(t, func(conn net.Conn) {
		t.Error("upstream must not be dialed for a malformed CONNECT")
		conn.Close()
	})

	conn := dialProxy(t, startProxy(t, nil, upstream))
	conn.Write([]byte("CONNECT\r\n\r\n"))

	if _, err := io.ReadAll(conn); err != nil {
		t.Fatal(err)
	}
}

func TestProxyForward(t *testing.T) {
	const (
		request  = "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
		want     = "GET / HTTP/1.1\r\nProxy-Authorization: " + testAuthHeader + "\r\nHost: example.com\r\n\r\n"
		response = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"
	)

	upstream := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()

		buf := make([]byte, len(want))
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Errorf("upstream read: %v", err)
			return
		}
		if got := string(buf); got != want {
			t.Errorf("upstream got %q, want %q", got, want)
			return
		}
		conn.Write([]byte(response))
	})

	conn := dialProxy(t, startProxy(t, nil, upstream))
	conn.Write([]byte(request))

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != response {
		t.Fatalf("client got %q, want %q", got, response)
	}
}

func TestProxyForwardExistingAuthHeader(t *testing.T) {
	const request = "GET / HTTP/1.1\r\nProxy-Authorization: Basic dXNlcjpwYXNz\r\nHost: example.com\r\n\r\n"

	upstream := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()

		buf := make([]byte, len(request))
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Errorf("upstream read: %v", err)
			return
		}
		if got := string(buf); got != request {
			t.Errorf("upstream got %q, want it unchanged %q", got, request)
		}
		if n := strings.Count(string(buf), "Proxy-Authorization:"); n != 1 {
			t.Errorf("got %d Proxy-Authorization headers, want 1", n)
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	})

	conn := dialProxy(t, startProxy(t, nil, upstream))
	conn.Write([]byte(request))

	if _, err := io.ReadAll(conn); err != nil {
		t.Fatal(err)
	}
}

func TestProxyForwardDialFailure(t *testing.T) {
	// Grab a port with no listener behind it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	host, port, _ := net.SplitHostPort(l.Addr().String())
	l.Close()

	upstream := &UpstreamConfig{Host: host, Port: port, AuthHeader: testAuthHeader}

	conn := dialProxy(t, startProxy(t, nil, upstream))
	conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	// The client sees its connection closed with no response.
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("client got %q, want no response", got)
	}
}

func TestProxySilentClient(t *testing.T) {
	upstream := startUpstream(t, func(conn net.Conn) {
		t.Error("upstream must not be dialed for a silent client")
		conn.Close()
	})

	cfg := DefaultProxyConfig()
	cfg.ReadTimeout = 100 * time.Millisecond

	conn := dialProxy(t, startProxy(t, cfg, upstream))

	start := time.Now()
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected connection close")
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("connection closed after %s, want about %s", d, cfg.ReadTimeout)
	}
}

func TestProxyConcurrentSessions(t *testing.T) {
	const sessions = 50

	upstream := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()

		buf := make([]byte, 4096)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	})

	addr := startProxy(t, nil, upstream)

	// A stalled session must not delay the others.
	stalled := dialProxy(t, addr)
	defer stalled.Close()

	var wg sync.WaitGroup
	errc := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				errc <- err
				return
			}
			defer conn.Close()

			if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
				errc <- err
				return
			}
			if _, err := io.ReadAll(conn); err != nil {
				errc <- err
			}
		}()
	}

	donec := make(chan struct{})
	go func() {
		wg.Wait()
		close(donec)
	}()

	select {
	case <-donec:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent sessions did not complete")
	}
	close(errc)
	for err := range errc {
		t.Error(err)
	}
}
