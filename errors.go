// Copyright 2016 The etcd Authors
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

package jetcd

import "errors"

var (
	// ErrNoAvailableEndpoints is returned when the client is configured
	// without any endpoint to dial.
	ErrNoAvailableEndpoints = errors.New("jetcd: no available endpoints")

	// ErrOldCluster is returned by New when RejectOldCluster is set and
	// the cluster runs a version older than this client supports.
	ErrOldCluster = errors.New("jetcd: old cluster version")
)
