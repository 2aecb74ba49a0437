// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bind

import (
	"net/url"
	"os"

	"github.com/mmatczuk/anyflag"
	"github.com/saucelabs/proxywrap"
	"github.com/saucelabs/proxywrap/log"
	"github.com/spf13/pflag"
)

func ProxyConfig(fs *pflag.FlagSet, cfg *proxywrap.ProxyConfig) {
	fs.StringVarP(&cfg.Addr,
		"address", "", cfg.Addr, "<host:port>"+
			"The local address to listen on. "+
			"Only local clients are expected, the listener is not authenticated. ")

	fs.DurationVar(&cfg.ReadTimeout,
		"read-timeout", cfg.ReadTimeout,
		"The maximum time to wait for the first chunk of a client request. "+
			"A client that sends nothing within the window has its connection closed. ")

	fs.DurationVar(&cfg.IdleTimeout,
		"idle-timeout", cfg.IdleTimeout,
		"The maximum time a relayed connection may stay silent in both directions before it is closed. ")

	fs.DurationVar(&cfg.DialTimeout,
		"dial-timeout", cfg.DialTimeout,
		"The maximum time to wait for an upstream proxy connection to be established. ")
}

func UpstreamProxyURL(fs *pflag.FlagSet, proxyURL **url.URL) {
	fs.VarP(anyflag.NewValueWithRedact[*url.URL](*proxyURL, proxyURL, proxywrap.ParseUpstreamURL, RedactURL),
		"proxy", "x", "[http://][user:pass@]host[:port]"+
			"Upstream proxy to forward all traffic to. "+
			"The basic authentication username and password can be specified in the host string e.g. user:pass@host:port, "+
			"they are injected into every request as a Proxy-Authorization header. "+
			"If the flag is not set, the conventional http_proxy environment variable is used. ")
}

func APIServerConfig(fs *pflag.FlagSet, cfg *proxywrap.HTTPServerConfig) {
	fs.StringVar(&cfg.Addr,
		"api-address", cfg.Addr, "<host:port>"+
			"The API server address to listen on. "+
			"It exposes Prometheus metrics, health and readiness endpoints, and pprof. "+
			"If empty, the API server is disabled. ")
}

func LogConfig(fs *pflag.FlagSet, cfg *log.Config) {
	fs.VarP(anyflag.NewValueWithRedact[*os.File](cfg.File, &cfg.File, openLogFile, redactLogFile),
		"log-file", "", "<path>"+
			"Path to the log file, if empty, logs to stdout. ")

	fs.VarP(anyflag.NewValue[log.Level](cfg.Level, &cfg.Level, log.ParseLevel),
		"log-level", "", "<error|info|debug>"+
			"The minimum log level. ")
}

func openLogFile(name string) (*os.File, error) {
	return os.OpenFile(name, log.DefaultFileFlags, log.DefaultFileMode)
}

func redactLogFile(f *os.File) string {
	if f == nil {
		return ""
	}
	return f.Name()
}
