// Package httpserver provides the Control Tower's HTTP control plane:
// JSON endpoints for publish/introspection and an SSE stream per
// subscription, standing in for the original gRPC Copilot protocol
// (spec.md's Non-goals drop the wire protocol; the subscriber-facing
// semantics stay the same).
//
// Example:
//
//	tower, _ := controltower.New(opts, store, registry)
//	s := httpserver.New(tower, store, registry, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
