// Package engine is the single mutation point of the runtime.
//
// # Overview
//
// Every event (user input, inbound frame, timer, network completion) becomes
// a Message. The Store owns the one State value and runs
//
//	reduce(state, message) -> []Command
//
// under an exclusive lock, then hands the returned Commands to a Runner
// (normally the Executor) after the lock is released. Reducers never perform
// I/O; they describe it as Commands:
//
//	SendMessage      re-enter the loop with another Message
//	RunEffect        run a UI refresh closure
//	NetworkCall      perform an API call, answering with OnSuccess/OnError
//	TransportAction  connect, disconnect, logout, subscribe, unsubscribe, send
//	SaveState        persist a snapshot
//	NoOp             explicit "nothing to do"
//
// # Ordering
//
// Dispatch appends to a FIFO queue. Whoever finds the queue idle drains it;
// everyone else returns immediately. Nested dispatches from SendMessage or
// from handlers therefore run after the current message fully unwinds, in
// the order they were enqueued, and reduce never overlaps itself.
//
// Asynchronous completions (network calls, saves) dispatch their follow-up
// Message when they finish, so two concurrent calls complete in whatever
// order the network decides. Reducers that care tag their requests with a
// sequence number and drop stale completions.
//
// # Persistence
//
// If the State implements Persistable, a bookkeeping pass runs after each
// reduce: a dirty state gets its modification time stamped and a save marked
// pending; a pending save becomes a SaveState command only when the save
// limiter allows it (one per SaveInterval, 400ms by default). Bursts of
// mutations collapse into a single save, and a later Tick or Flush emits the
// trailing one.
package engine
