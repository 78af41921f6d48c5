// Package telemetry provides the logging, tracing, metrics and events used
// by the worker and the CLI.
//
// Logging is structured (zerolog), tracing uses OpenTelemetry with an OTLP
// gRPC or stdout exporter, metrics are Prometheus collectors on a private
// registry and events are published to in-process subscribers.
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// A seek produces one "seek" span with a "seek.plan" child per planning
// pass and a "seek.wave" child per wave, itself parent of one "seek.node"
// span per node. The same progression is published as events:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    fmt.Println(ev.Type, ev.NodeID, ev.Path)
//	}, telemetry.FilterByType(telemetry.EventTypeNodeCompleted))
//
// In sync mode, the default, subscribers run on the publishing goroutine in
// publish order, so a subscriber sees the events of a seek in the order the
// worker produced them. In async mode events are buffered and delivered in
// batches from a background goroutine.
//
// Nop returns telemetry for tests and embedding: logs are discarded and
// nothing is exported, but event subscribers are still called.
package telemetry
