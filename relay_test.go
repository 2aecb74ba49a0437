// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package proxywrap

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/saucelabs/proxywrap/log"
)

// startRelay wires two pipe pairs through a relay and returns the outer ends.
func startRelay(t *testing.T, idle time.Duration) (client, upstream net.Conn, done chan struct{}) {
	t.Helper()

	c0, c1 := net.Pipe()
	u0, u1 := net.Pipe()

	r := newRelay(c1, u1, idle, log.NopLogger, newProxyMetrics(nil, ""))
	done = make(chan struct{})
	go func() {
		r.run()
		close(done)
	}()

	t.Cleanup(func() {
		c0.Close()
		u0.Close()
		<-done
	})

	return c0, u0, done
}

func TestRelayBidirectional(t *testing.T) {
	client, upstream, _ := startRelay(t, time.Minute)

	payloads := [][]byte{
		[]byte("ping"),
		[]byte("a longer chunk of opaque bytes \x00\x01\x02"),
	}

	for _, p := range payloads {
		go client.Write(p)
		got := make([]byte, len(p))
		if _, err := io.ReadFull(upstream, got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("client to upstream got %q, want %q", got, p)
		}
	}

	for _, p := range payloads {
		go upstream.Write(p)
		got := make([]byte, len(p))
		if _, err := io.ReadFull(client, got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("upstream to client got %q, want %q", got, p)
		}
	}
}

func TestRelayClosesPairOnEOF(t *testing.T) {
	client, upstream, done := startRelay(t, time.Minute)

	client.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not terminate after client EOF")
	}

	// The upstream side must be torn down as well.
	if _, err := upstream.Read(make([]byte, 1)); err == nil {
		t.Error("expected read error after relay close")
	}
}

func TestRelayIdleTimeout(t *testing.T) {
	client, upstream, done := startRelay(t, 100*time.Millisecond)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not terminate after idle timeout")
	}

	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("expected client read error after idle close")
	}
	if _, err := upstream.Read(make([]byte, 1)); err == nil {
		t.Error("expected upstream read error after idle close")
	}
}

func TestRelayActivityDefersIdleTimeout(t *testing.T) {
	client, upstream, done := startRelay(t, 250*time.Millisecond)

	// Keep one direction busy for longer than the idle timeout.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		go client.Write([]byte("x"))
		if _, err := io.ReadFull(upstream, make([]byte, 1)); err != nil {
			t.Fatalf("relay closed while active: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case <-done:
		t.Fatal("relay terminated while active")
	default:
	}
}
