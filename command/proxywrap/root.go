// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package proxywrap

import (
	"github.com/saucelabs/proxywrap/command/run"
	"github.com/saucelabs/proxywrap/command/version"
	"github.com/saucelabs/proxywrap/utils/cobrautil"
	"github.com/spf13/cobra"
)

const EnvPrefix = "PROXYWRAP"

func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxywrap",
		Short: "Local forward proxy that authenticates against an upstream proxy",
		Long: "Proxywrap is a local HTTP(S) forward proxy that transparently injects " +
			"Proxy-Authorization credentials, so that clients unaware of upstream " +
			"authentication can use an authenticated upstream proxy.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cobrautil.BindAll(cmd, EnvPrefix)
		},
	}

	cmd.AddCommand(
		run.Command(),
		version.Command(),
	)

	return cmd
}
