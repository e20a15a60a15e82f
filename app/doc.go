// Package app is the concrete application built on the engine: its State,
// its Message variants and the Reducer that ties them together.
//
// The reducer mirrors the connection state, tracks the topics the user
// follows, keeps chat history per topic and manages workflows:
//
//   - SelectWorkflow fetches the workflow with a sequence number; a
//     completion whose number is no longer the latest is dropped, so a slow
//     response can never overwrite a newer one.
//   - RenameWorkflow and TriggerRun apply their change before the server
//     answers. A failure reverts it, raises a notification and re-fetches
//     the workflow.
//   - Any 401/403 from the API or an auth close code from the socket sets
//     AuthRequired and logs the session out.
//
// UI output is always a RunEffect carrying an immutable View, never a
// reference to State.
package app
