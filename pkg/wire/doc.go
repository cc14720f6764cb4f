// Package wire defines the gRPC ingestion contract between alertflow-agent
// and alertflow-server.
//
// The service is alertflow.v1.IngestService with a single unary method,
// Ingest. Messages are plain Go structs carried by a JSON codec registered
// under the "json" content subtype, so no generated protobuf code is needed.
// Clients must select the codec per call; NewClient does that.
package wire
