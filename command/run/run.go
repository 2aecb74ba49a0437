// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package run

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/saucelabs/proxywrap"
	"github.com/saucelabs/proxywrap/bind"
	"github.com/saucelabs/proxywrap/internal/version"
	"github.com/saucelabs/proxywrap/log"
	"github.com/saucelabs/proxywrap/log/stdlog"
	"github.com/saucelabs/proxywrap/runctx"
	"github.com/saucelabs/proxywrap/utils/cobrautil"
	"github.com/spf13/cobra"
	"go.uber.org/goleak"
)

type command struct {
	promReg         *prometheus.Registry
	proxyConfig     *proxywrap.ProxyConfig
	upstreamProxy   *url.URL
	apiServerConfig *proxywrap.HTTPServerConfig
	logConfig       *log.Config

	goleak bool
}

func (c *command) runE(cmd *cobra.Command, _ []string) (cmdErr error) {
	if f := c.logConfig.File; f != nil {
		defer f.Close()
	}
	onError, err := c.registerErrorsMetric()
	if err != nil {
		return fmt.Errorf("register errors metric: %w", err)
	}
	logger := stdlog.New(c.logConfig, stdlog.WithOnError(onError))

	defer func() {
		if cmdErr != nil {
			logger.Errorf("fatal error exiting: %s", cmdErr)
			cmd.SilenceErrors = true
		}
	}()

	logger.Infof("Proxywrap %s (%s)", version.Version, version.Commit)

	if cfg := cobrautil.DescribeFlags(cmd.Flags(), true); cfg != "" {
		logger.Infof("configuration\n%s", cfg)
	} else {
		logger.Infof("using default configuration")
	}
	logger.Debugf("all configuration\n%s\n\n", cobrautil.DescribeFlags(cmd.Flags(), false))

	if c.upstreamProxy == nil {
		// Conventional environment fallback, the same variables the wrapped
		// clients read.
		for _, name := range []string{"http_proxy", "HTTP_PROXY"} {
			val := os.Getenv(name)
			if val == "" {
				continue
			}
			u, err := proxywrap.ParseUpstreamURL(val)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			c.upstreamProxy = u
			break
		}
	}
	if c.upstreamProxy == nil {
		return errors.New("missing upstream proxy: set the --proxy flag or the http_proxy environment variable")
	}

	upstream, err := proxywrap.NewUpstreamConfig(c.upstreamProxy)
	if err != nil {
		return err
	}

	auth := "not configured"
	if upstream.AuthConfigured() {
		auth = "configured"
	}
	logger.Infof("upstream proxy %s authentication %s", upstream.HostPort(), auth)

	p, err := proxywrap.NewProxy(c.proxyConfig, upstream, logger.Named("proxy"))
	if err != nil {
		return err
	}

	g := runctx.NewGroup(p.Run)

	if c.apiServerConfig.Addr != "" {
		h := proxywrap.NewAPIHandler(c.promReg, p, cobrautil.DescribeFlags(cmd.Flags(), false))
		a, err := proxywrap.NewHTTPServer(c.apiServerConfig, h, logger.Named("api"))
		if err != nil {
			return err
		}
		g.Add(a.Run)
	}

	if c.goleak {
		defer func() {
			if cmdErr == nil {
				cmdErr = goleak.Find()
			}
		}()
	}

	return g.Run()
}

func (c *command) registerErrorsMetric() (func(), error) {
	m := prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "log_errors_total",
		Namespace: c.proxyConfig.PromNamespace,
		Help:      "Number of log errors",
	})
	if err := c.promReg.Register(m); err != nil {
		return nil, err
	}
	return m.Inc, nil
}

func Command() *cobra.Command {
	c := command{
		promReg:         prometheus.NewRegistry(),
		proxyConfig:     proxywrap.DefaultProxyConfig(),
		apiServerConfig: proxywrap.DefaultHTTPServerConfig(),
		logConfig:       log.DefaultConfig(),
	}
	c.proxyConfig.PromNamespace = "proxywrap"
	c.proxyConfig.PromRegistry = c.promReg
	c.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cmd := &cobra.Command{
		Use:     "run [--address <host:port>] [--proxy <url>]",
		Short:   "Start the local authenticating proxy",
		Long:    "Start a local proxy that accepts unauthenticated connections and forwards them, with injected credentials, to the upstream proxy.",
		RunE:    c.runE,
		Aliases: []string{"start"},
	}

	fs := cmd.Flags()
	bind.ProxyConfig(fs, c.proxyConfig)
	bind.UpstreamProxyURL(fs, &c.upstreamProxy)
	bind.APIServerConfig(fs, c.apiServerConfig)
	bind.LogConfig(fs, c.logConfig)

	fs.BoolVar(&c.goleak, "goleak", false, "enable goroutine leak detector")
	fs.MarkHidden("goleak") //nolint:errcheck // flag exists

	return cmd
}
