// Package errors provides the error taxonomy for the loopcore runtime.
//
// # Overview
//
// Every failure the runtime can observe falls into one of five classes:
//
//   - Transient: socket errors, dial failures, REST 5xx and network errors.
//     These drive the reconnect state machine or a retry loop.
//   - Invalid: business and validation failures (REST 400/409/422). Recovered
//     locally as a notification plus reversal of any optimistic change.
//   - Fatal: unrecoverable configuration problems.
//   - Protocol: a malformed or wrong-version envelope. Fatal to the current
//     connection, which is closed with the protocol-error close code.
//   - Auth: distinguished close codes or REST 401/403. Fatal to the session;
//     credentials are cleared and the user is prompted to sign in again.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Classification-aware wrappers:
//
//	errors.WrapTransient(err, "Connection", "dial", "open socket")
//	errors.WrapProtocol(err, "envelope", "Decode", "validate frame")
//	errors.WrapAuth(err, "rest", "Do", "authorize request")
//
// Predicates (IsTransient, IsInvalid, IsFatal, IsProtocol, IsAuth) look for a
// ClassifiedError anywhere in the chain first and fall back to the sentinel
// variables, so they compose with fmt.Errorf("...: %w", err).
package errors
