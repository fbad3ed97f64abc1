// Copyright 2021 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

type CredsRequirement int

const (
	// CredsRequire - Credentials/certificate required for thi type of connection.
	CredsRequire CredsRequirement = iota
	// CredsDrop - Credentials/certificate not needed and should get ignored.
	CredsDrop
	// CredsOptional - Credentials/certificate might be used if supplied
	CredsOptional
)

func extractHostFromHostPort(ep string) string {
	host, _, err := net.SplitHostPort(ep)
	if err != nil {
		return ep
	}
	return host
}

// mustSplit2 returns the values from strings.SplitN(s, sep, 2).
// If sep is not found, it returns ("", "", false) instead.
func mustSplit2(s, sep string) (string, string) {
	spl := strings.SplitN(s, sep, 2)
	if len(spl) < 2 {
		panic(fmt.Errorf("token '%v' expected to have separator sep: `%v`", s, sep))
	}
	return spl[0], spl[1]
}

func schemeToCredsRequirement(schema string) CredsRequirement {
	switch schema {
	case "https", "unixs":
		return CredsRequire
	case "http":
		return CredsDrop
	case "unix":
		// Preserving previous behavior from:
		// https://github.com/etcd-io/etcd/blob/dae29bb719dd69dc119146fc297a0628fcc1ccf8/clientv3/client.go#L212
		// that likely was a bug due to missing 'fallthrough'.
		// At the same time it seems legit to let the users decide whether they
		// want credential-less or authenticated unix sockets.
		return CredsOptional
	case "":
		return CredsOptional
	default:
		return CredsOptional
	}
}

// This function translates endpoints names to replace actual address
// (so fitting gRPC API) and the server name (to set in credentials to the
// connection and used in validation of server certificates).
//
// Examples:
//   - localhost:2379 -> localhost:2379
//   - unix:localhost:2379 -> unix:localhost:2379
//   - unix://localhost:2379 -> unix:localhost:2379
//   - unix:///tmp/my-file -> unix:///tmp/my-file
//   - http://localhost:2379 -> localhost:2379
//   - unixs:///tmp/my-file -> unix:///tmp/my-file (credentials required)
func translateEndpoint(ep string) (addr string, serverName string, requireCreds CredsRequirement) {
	if strings.HasPrefix(ep, "unix:") || strings.HasPrefix(ep, "unixs:") {
		if strings.HasPrefix(ep, "unix:///") || strings.HasPrefix(ep, "unixs:///") {
			// absolute path case
			schema, absolutePath := mustSplit2(ep, "://")
			if schema == "unix" {
				return "unix://" + absolutePath, absolutePath, CredsDrop
			}
			return "unix://" + absolutePath, absolutePath, CredsRequire
		}
		if strings.HasPrefix(ep, "unix://") || strings.HasPrefix(ep, "unixs://") {
			// legacy etcd as [unix|unixs]://host:port
			schema, opaque := mustSplit2(ep, "://")
			if schema == "unix" {
				return "unix:" + opaque, extractHostFromHostPort(opaque), CredsDrop
			}
			return "unix:" + opaque, extractHostFromHostPort(opaque), CredsRequire
		}
		// original etcd behavior: [unix|unixs]:absolute_path
		schema, opaque := mustSplit2(ep, ":")
		if schema == "unix" {
			return "unix:" + opaque, extractHostFromHostPort(opaque), CredsDrop
		}
		return "unix:" + opaque, extractHostFromHostPort(opaque), CredsRequire
	}
	if strings.Contains(ep, "://") {
		url, err := url.Parse(ep)
		if err != nil {
			return ep, ep, CredsOptional
		}
		if url.Scheme == "http" || url.Scheme == "https" {
			return url.Host, url.Hostname(), schemeToCredsRequirement(url.Scheme)
		}
		// Custom schemes like "dns" pass through verbatim so the gRPC
		// resolver chain can take over.
		return ep, ep, CredsOptional
	}
	// Handles plain addresses like 10.0.0.44:437.
	return ep, extractHostFromHostPort(ep), CredsOptional
}

// RequiresCredentials returns whether given endpoint requires
// credentials/certificates for connection.
func RequiresCredentials(ep string) CredsRequirement {
	_, _, requireCreds := translateEndpoint(ep)
	return requireCreds
}

// Interpret endpoint parses an endpoint of the form
// (http|https)://<host>*|(unix|unixs)://<path>)
// and returns low-level address (supported by 'net') to connect to,
// and a server name used for x509 certificate matching.
func Interpret(ep string) (address string, serverName string) {
	addr, serverName, _ := translateEndpoint(ep)
	return addr, serverName
}
