// Copyright 2017 The etcd Authors
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

package jetcd_test

import (
	"testing"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/testutil"
)

const dialTimeout = 5 * time.Second

// exampleEndpoints returns the endpoints the examples would dial against a
// running cluster. Unit tests run the examples in a mocked context and never
// dial them.
func exampleEndpoints() []string { return nil }

// forUnitTestsRunInMockedContext runs the mock function instead of the
// example body; examples double as integration tests when run against a real
// cluster.
func forUnitTestsRunInMockedContext(mocking func(), _ func()) {
	mocking()
}

func TestMain(m *testing.M) {
	testutil.MustTestMainWithLeakDetection(m)
}
