// Package server implements the server side of the replication protocol.
//
// The server performs the following steps:
//  1. Listens on a TCP address and accepts connections. Connections over the configured cap are
//     answered with a single Reject{ServerBusy} and closed.
//  2. On connection, it creates a session in the Connected phase with a fresh connection UUID,
//     an outbound queue and a handler, and records the session in the session store.
//  3. A reader flow decodes frames and hands each message (or decode error) to the handler. Before
//     the Hello it allows a short handshake grace period, after it an idle timeout.
//  4. A writer flow drains the outbound queue: first the catch-up backlog queued at the Hello,
//     then broadcast Updates interleaved with direct replies in the order they were queued.
//  5. When the handler reports a fatal violation, the reader stops, the writer flushes the final
//     Reject, and the connection is closed. A writer failure or a full queue closes it the same way.
//  6. On disconnect, the session is Closed, unregistered from broadcast and removed from the store.
//
// All connections share one State, so every accepted proposal is ordered by a single
// optimistic version check, and one Dispatcher, so every active session sees updates in the
// same order. A failure on one connection never affects another.
package server
