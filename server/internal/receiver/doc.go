// Package receiver implements wire.IngestServer, the gRPC endpoint that
// accepts batches of AlertEvents from alertflow-agent instances.
//
// Each event is handed to the pipeline's Submit in request order, so
// suppression state sees events in the order the agent sent them. Events the
// pipeline rejects as malformed are skipped and reported in the response
// message; a batch in which nothing is accepted fails with
// codes.InvalidArgument. Authentication is enforced upstream by the gRPC
// server interceptor (see package auth).
package receiver
