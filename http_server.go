// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package proxywrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/saucelabs/proxywrap/log"
)

type HTTPServerConfig struct {
	Addr        string        `json:"addr"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

func DefaultHTTPServerConfig() *HTTPServerConfig {
	return &HTTPServerConfig{
		ReadTimeout: 5 * time.Second,
	}
}

// HTTPServer is a plain HTTP server for the API handler.
type HTTPServer struct {
	config   *HTTPServerConfig
	log      log.Logger
	srv      *http.Server
	listener net.Listener
}

func NewHTTPServer(cfg *HTTPServerConfig, h http.Handler, log log.Logger) (*HTTPServer, error) {
	hs := &HTTPServer{
		config: cfg,
		log:    log,
		srv: &http.Server{
			Addr:        cfg.Addr,
			Handler:     h,
			ReadTimeout: cfg.ReadTimeout,
		},
	}

	l, err := Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	hs.listener = l

	hs.log.Infof("HTTP server listen address=%s", l.Addr())

	return hs, nil
}

func (hs *HTTPServer) Addr() net.Addr {
	return hs.listener.Addr()
}

func (hs *HTTPServer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)

	// handle http shutdown on server context done
	go func() {
		defer wg.Done()

		<-ctx.Done()
		if err := hs.srv.Shutdown(context.Background()); err != nil {
			hs.log.Errorf("failed to shutdown server error=%s", err)
		}
	}()

	if err := hs.srv.Serve(hs.listener); err != nil {
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		hs.log.Debugf("server was shutdown gracefully")
	}

	wg.Wait()

	return nil
}
