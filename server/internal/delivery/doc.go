// Package delivery contains one Adapter per channel type.
//
//	email     SMTP via emersion/go-smtp
//	sms       HTTP provider API
//	webhook   HTTPS POST of the wire Payload, with optional confirmation handshake
//	queue     NATS core publish or JetStream publish with ack
//	function  AWS Lambda RequestResponse invoke behind a circuit breaker
//
// Adapters return nil on success, an error wrapped with Permanent when
// retrying cannot help (unconfirmed subscription, malformed endpoint,
// non-rate-limit 4xx), and a plain error for everything the router should
// retry.
package delivery
