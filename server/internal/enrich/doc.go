// Package enrich decorates classified events with operational context and
// scrubs sensitive data from their free-text fields.
//
// Enrich renders a runbook link from a text/template, carries resource tags
// forward and merges configured default tags. Redact applies data
// identifiers: "redact" identifiers replace matches with MaskToken, "audit"
// identifiers leave the text alone and record audit:<name>:<field> flags.
// Only RawPayload and Description are inspected. Redact is idempotent
// because no identifier may match MaskToken (CompileIdentifiers enforces it).
package enrich
