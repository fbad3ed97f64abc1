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

package resolver

import (
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/resolver/manual"
	"google.golang.org/grpc/serviceconfig"

	"github.com/tunefun/jetcd/internal/endpoint"
)

const (
	// Schema is the URL schema the client's manual resolver registers under.
	Schema = "jetcd-endpoints"
)

// ManualResolver is a Resolver (and resolver.Builder) that can be updated
// using SetEndpoints.
type ManualResolver struct {
	*manual.Resolver
	endpoints     []string
	serviceConfig *serviceconfig.ParseResult
}

func New(endpoints ...string) *ManualResolver {
	r := manual.NewBuilderWithScheme(Schema)
	return &ManualResolver{Resolver: r, endpoints: endpoints, serviceConfig: nil}
}

// Build returns itself for resolver, because it's both a builder and a resolver.
func (r *ManualResolver) Build(target resolver.Target, cc resolver.ClientConn, opts resolver.BuildOptions) (resolver.Resolver, error) {
	r.serviceConfig = cc.ParseServiceConfig(`{"loadBalancingPolicy": "round_robin"}`)
	if r.serviceConfig.Err != nil {
		return nil, r.serviceConfig.Err
	}
	res, err := r.Resolver.Build(target, cc, opts)
	if err != nil {
		return nil, err
	}
	// Populates endpoints stored in r into ClientConn (r.CC).
	r.updateState()
	return res, nil
}

func (r *ManualResolver) SetEndpoints(endpoints []string) {
	r.endpoints = endpoints
	r.updateState()
}

func (r ManualResolver) updateState() {
	eps := make([]resolver.Endpoint, len(r.endpoints))
	for i, ep := range r.endpoints {
		addr, serverName := endpoint.Interpret(ep)
		eps[i] = resolver.Endpoint{Addresses: []resolver.Address{
			{Addr: addr, ServerName: serverName},
		}}
	}
	state := resolver.State{Endpoints: eps}
	if r.serviceConfig != nil {
		state.ServiceConfig = r.serviceConfig
	}
	r.UpdateState(state)
}
