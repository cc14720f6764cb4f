// Package ws implements the live delivery feed served at /ws/stream.
//
// Hub.Publish has the router.Observer signature; every DeliveryResult the
// router or pipeline produces is pushed to connected clients as
//
//	{"event": "delivery", "data": { /* DeliveryResult */ }}
//
// Hub.Run also sends a periodic summary of recent results by status:
//
//	{"event": "summary", "data": {"generatedAt": "...", "counts": {"Delivered": 3}}}
//
// Clients may connect with ?severity=critical,security to receive only
// deliveries of those severities. A summary is sent immediately on connect. Clients whose send buffer fills
// are disconnected rather than allowed to slow the pipeline down.
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level.
package ws
