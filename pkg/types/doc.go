// Package types defines the alert model shared by alertflow-agent and
// alertflow-server: AlertEvent, its enums (Source, Severity, State,
// ComparisonOperator), EnrichedEvent and DeliveryResult.
//
// These are the canonical in-memory and JSON representations; the gRPC
// ingestion service in pkg/wire carries them with a JSON codec.
package types
