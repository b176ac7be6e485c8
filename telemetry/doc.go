/*
Package telemetry provides the core.Telemetry implementations used by the
cluster control plane.

Two providers are available and can be combined with Multi:

  - OTelProvider exports spans through OpenTelemetry (OTLP over gRPC, or
    stdout when the endpoint is "stdout") and records metrics on an
    OpenTelemetry meter.
  - PrometheusCollector records metrics on a Prometheus registry for the
    /metrics endpoint. It does not trace.

Metric kinds are derived from names: a name ending in ".total" is a counter
and anything else is a gauge holding the last recorded value.

	cluster.agents.registered        gauge
	cluster.select.total             counter  labels: capability, result
	cluster.scaling.decisions.total  counter  labels: action
	cluster.health.probes.total      counter  labels: result
	cluster.circuit.state            gauge    labels: breaker (0 closed, 1 open, 2 half-open)
	cluster.circuit.rejections.total counter  labels: breaker

Label values supplied by callers, such as capability names, pass through a
CardinalityLimiter so an unbounded set of values collapses into "other".
*/
package telemetry
