// Package relay contains the websocket relay session and its supervisor.
//
// The session consumes a JSON event stream from the message source:
// it authenticates with a single {"type":"code"} frame, then dispatches
// inbound create/delete instructions against the room directory, the
// Matrix sender, and the message ledger, strictly one frame at a time.
// Lookup misses, failed sends, and persistence errors drop the triggering
// instruction and keep the loop alive; transport and decode errors end
// Run, and StartRelayJob reconnects with capped exponential backoff.
package relay
