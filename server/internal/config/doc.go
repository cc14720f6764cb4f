// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Load(path) applies defaults before unmarshalling, then validates. Validation
// also compiles the parts other packages need in a checked form: suppression
// rules, redaction identifiers, the budget and the subscriptions. A Config
// returned by Load is immutable and every reference in it has been resolved,
// so startup fails on ErrInvalidThresholdOrder, ErrUnknownAlarmReference,
// ErrMalformedSubscription or a bad pattern rather than at delivery time.
//
// Secrets are never stored in the file; fields ending in _env name the
// environment variable that holds them.
package config
