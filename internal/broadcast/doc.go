// Package broadcast fans events out to connected browser sessions.
//
// Each WebSocket session belongs to one user and carries an optional filter
// (room, pattern names, symbols, minimum confidence). Events addressed to a
// user or room within a batch window are accumulated and flushed as a single
// event_batch message, ordered by priority. Every user has an independent
// token-bucket rate limiter; events over the limit are counted but never
// block delivery to other recipients. Events addressed to a user with no
// live session are held in a bounded offline queue and replayed on the next
// connect.
package broadcast
