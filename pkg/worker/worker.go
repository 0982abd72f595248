// Package worker defines the generator contract the rollout loop dispatches
// to, and a deterministic in-process implementation used by the bundled
// runtime and the test suites.
package worker

import (
	"context"
	"fmt"

	"github.com/allenwang28/monarch-rl-examples/pkg/replica"
	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// GenerateRequest asks a worker to complete one prompt.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// GenerateResponse carries the completion and the policy version of the
// weights that produced it.
type GenerateResponse struct {
	Text    string           `json:"text"`
	Version rl.PolicyVersion `json:"version"`
	Replica string           `json:"replica"`
}

// LoadWeightsRequest delivers a redeemed snapshot to a worker. The snapshot
// may be shared across a fan-out; receivers copy what they keep.
type LoadWeightsRequest struct {
	Snapshot *rl.Snapshot
}

// LoadWeightsResponse acknowledges a weight load.
type LoadWeightsResponse struct {
	Version rl.PolicyVersion `json:"version"`
}

// Generator is the worker surface: a single request/response endpoint plus
// a weight sink. Workers own their loaded weights; LoadWeights must copy
// what it intends to keep.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	LoadWeights(ctx context.Context, snap *rl.Snapshot) error
}

// AsEndpoint adapts a Generator to the router's request/response endpoint,
// so generation and weight fan-out are both instantiations of generic
// routing.
func AsEndpoint(g Generator) replica.Endpoint {
	return replica.EndpointFunc(func(ctx context.Context, req any) (any, error) {
		switch r := req.(type) {
		case GenerateRequest:
			return g.Generate(ctx, r)
		case LoadWeightsRequest:
			if err := g.LoadWeights(ctx, r.Snapshot); err != nil {
				return nil, err
			}
			return LoadWeightsResponse{Version: r.Snapshot.Version}, nil
		default:
			return nil, fmt.Errorf("generator endpoint got unexpected request type %T", req)
		}
	})
}
