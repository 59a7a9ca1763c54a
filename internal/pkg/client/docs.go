// Package client implements the honest client side of the replication protocol.
//
// The client performs the following steps:
//  1. Dials the server, retrying with exponential backoff.
//  2. Sends Hello with its client id, followed by a Ping. The server queues the committed log
//     as Updates before the Pong, so the Pong marks the mirror as caught up (see Ready).
//  3. Applies every Update to its Mirror strictly in version order, re-checking the server's
//     value against its own replay, and acknowledges each newly applied version.
//  4. For each op, sends Propose with the mirror's version as the expected version and waits
//     for the answer. An Ack means the op won: the client waits until its mirror holds that
//     version and returns the entry.
//  5. A Reject{VersionConflict} means another proposal won the race. The client does not retry
//     blindly: it waits until its mirror has reached the version the server reported, then
//     proposes again against the new version, up to a bounded number of times.
//  6. While connected it sends a keepalive Ping so the server does not time the session out.
//  7. On Finish it disconnects, replays the mirrored log from scratch and logs its checksum.
//
// Updates are authoritative for convergence; Acks only tell the proposer that its op won.
//
// When the server closes the connection, Run returns ErrClientDisconnected, or a
// *RejectError if a fatal Reject preceded the close. Reconnecting is up to the caller; the
// mirror is kept across connections.
package client
