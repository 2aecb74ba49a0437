// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package proxywrap provides a local forward proxy that authorizes
// connections against an upstream proxy on behalf of its clients.
// It injects Proxy-Authorization credentials into CONNECT requests and
// plain HTTP requests alike, and splices the rest of the traffic
// between client and upstream without interpreting it.
package proxywrap
