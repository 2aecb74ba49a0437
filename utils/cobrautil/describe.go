// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cobrautil

import (
	"strings"

	"github.com/spf13/pflag"
)

// DescribeFlags returns a name=value line per flag.
// Values are taken from flag.Value.String, so redacting values redact themselves.
// If changedOnly is set, only flags that were explicitly set are included.
func DescribeFlags(fs *pflag.FlagSet, changedOnly bool) string {
	var sb strings.Builder
	fs.VisitAll(func(f *pflag.Flag) {
		if changedOnly && !f.Changed {
			return
		}
		sb.WriteString(f.Name)
		sb.WriteByte('=')
		sb.WriteString(f.Value.String())
		sb.WriteByte('\n')
	})
	return sb.String()
}
