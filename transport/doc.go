// Package transport maintains the single WebSocket the runtime talks over.
//
// A Connection moves through Disconnected → Connecting → Connected and back.
// After an unexpected close it schedules a reconnect with capped exponential
// backoff (1s, 2s, 4s ... 30s by default); a successful open resets the
// attempt counter. While connected it sends a WebSocket ping every 30s.
//
// Every inbound text frame must decode as an envelope. A frame that does not
// closes the socket with code 1002 and the reconnect loop takes over.
// Close codes 4401 and 4403 (or a 401/403 handshake) clear the cached
// credentials and end in StateError without reconnecting.
//
// Send never queues: it returns ErrNotConnected unless the socket is up.
//
//	conn, err := transport.New(transport.DefaultConfig("wss://api.example.com/ws"),
//	    transport.WithCredentials(creds),
//	    transport.OnEnvelope(topics.Dispatch),
//	)
//	if err := conn.Connect(ctx); err != nil && !errors.IsTransient(err) {
//	    return err
//	}
package transport
