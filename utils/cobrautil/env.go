// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cobrautil

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindAll binds each flag of a command to an environment variable
// and appends the variable name to the flag usage.
func BindAll(cmd *cobra.Command, envPrefix string) error {
	appendEnvToUsage(cmd, envPrefix)
	return bindFlagsToEnv(cmd, envPrefix)
}

// appendEnvToUsage appends the environment variable name to the usage string of each Cobra flag.
func appendEnvToUsage(cmd *cobra.Command, envPrefix string) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Usage += fmt.Sprintf(" (env %s)", envName(envPrefix, f.Name))
	})
}

// bindFlagsToEnv binds each Cobra flag to its associated Viper environment variable.
func bindFlagsToEnv(cmd *cobra.Command, envPrefix string) error {
	v := viper.New()

	var bindErr error
	fs := cmd.Flags()
	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindEnv(f.Name, envName(envPrefix, f.Name)); err != nil {
			bindErr = err
			return
		}

		// Set default value from environment variable
		if !f.Changed && v.IsSet(f.Name) {
			if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				bindErr = err
				return
			}
		}
	})
	return bindErr
}

func envName(envPrefix, flagName string) string {
	name := flagName
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ToUpper(name)
	return fmt.Sprintf("%s_%s", envPrefix, name)
}
