// Package cropflow is an embeddable saga runtime for agronomy AI workflows.
// A workflow is an ordered list of steps; each step invokes a registered
// handler service, optionally streaming NDJSON records back while it runs.
// Every state transition commits together with the outbox events announcing
// it, a background publisher forwards those events to a per-process ordered
// stream, and the gateway relays the stream to clients with resume support.
//
// The zero-configuration form runs entirely in memory:
//
//	srv := cropflow.New()
//	srv.RegisterExtensionServices(advisor.New())
//	rt := srv.Runtime()
//	_ = rt.Start(ctx)
//	process, wait, _ := rt.StartWorkflow(ctx, "crop_recommendation", metadata, input)
//	process, _ = wait(ctx, time.Minute)
package cropflow
