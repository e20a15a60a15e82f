// Package testutil provides test doubles for the loopcore runtime.
//
// WSServer is a real WebSocket endpoint (httptest + gorilla upgrader) that
// records inbound frames and pings and lets a test push frames, close with a
// chosen code, drop the socket or reject the handshake. MemoryKV is an
// in-memory stand-in for a JetStream key-value bucket.
//
// All helpers are safe for concurrent use.
package testutil
