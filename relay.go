// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package proxywrap

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saucelabs/proxywrap/log"
	"go.uber.org/multierr"
)

const relayBufferSize = 8 * 1024

var relayBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, relayBufferSize)
		return &b
	},
}

// relay splices bytes between the client and the upstream connection until
// either side reaches EOF, a read or write fails, or both sides stay silent
// for the idle timeout. The two directions are independent streams, within
// each direction bytes are delivered in receipt order.
//
// Both connections are always closed together, exactly once, on every exit path.
type relay struct {
	client   net.Conn
	upstream net.Conn
	idle     time.Duration
	log      log.Logger
	metrics  *proxyMetrics

	lastActive atomic.Int64
	closeOnce  sync.Once
}

func newRelay(client, upstream net.Conn, idle time.Duration, log log.Logger, m *proxyMetrics) *relay {
	return &relay{
		client:   client,
		upstream: upstream,
		idle:     idle,
		log:      log,
		metrics:  m,
	}
}

type relayCopier struct {
	name string
	dir  string
	dst  net.Conn
	src  net.Conn
}

// run blocks until both directions have finished and both connections are closed.
func (r *relay) run() {
	r.touch()

	cc := [2]relayCopier{
		{"client to upstream", "tx", r.upstream, r.client},
		{"upstream to client", "rx", r.client, r.upstream},
	}

	donec := make(chan struct{}, len(cc))
	for i := range cc {
		go r.copy(cc[i], donec)
	}

	stopc := make(chan struct{})
	go r.watch(stopc)

	// The first direction to finish tears down both connections,
	// which unblocks the other copier.
	<-donec
	r.close()
	<-donec
	close(stopc)
}

func (r *relay) copy(c relayCopier, donec chan<- struct{}) {
	bufp := relayBufPool.Get().(*[]byte) //nolint:forcetypeassert // It's *[]byte.
	buf := *bufp
	defer relayBufPool.Put(bufp)

	for {
		n, err := c.src.Read(buf)
		if n > 0 {
			r.touch()
			if _, werr := c.dst.Write(buf[:n]); werr != nil {
				if !isClosedConnError(werr) {
					r.log.Debugf("failed to write %s: %v", c.name, werr)
				}
				break
			}
			r.metrics.relayedBytes(c.dir, n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConnError(err) {
				r.log.Debugf("failed to read %s: %v", c.name, err)
			}
			break
		}
	}

	r.close()
	donec <- struct{}{}
}

// watch closes both connections once no bytes moved in either direction
// for the idle timeout. It runs until stopc is closed.
func (r *relay) watch(stopc <-chan struct{}) {
	t := time.NewTicker(r.idle / 4)
	defer t.Stop()

	for {
		select {
		case <-stopc:
			return
		case <-t.C:
			if time.Since(time.Unix(0, r.lastActive.Load())) >= r.idle {
				r.log.Debugf("closing tunnel after %s of inactivity", r.idle)
				r.close()
			}
		}
	}
}

func (r *relay) touch() {
	r.lastActive.Store(time.Now().UnixNano())
}

func (r *relay) close() {
	r.closeOnce.Do(func() {
		err := multierr.Append(r.client.Close(), r.upstream.Close())
		if err != nil && !isClosedConnError(err) {
			r.log.Debugf("failed to close tunnel: %v", err)
		}
	})
}

// isClosedConnError reports whether err is an error from use of a closed network connection.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
