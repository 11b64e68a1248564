// Package subscriber implements the bus-side ingestion worker.
//
// The subscriber:
//   - Holds one subscription spanning the full channel table
//   - Runs a receive loop with a bounded wait so shutdown is prompt
//   - Normalizes inconsistent producer payloads via ordered extraction paths
//   - Drops (never crashes on) malformed messages, counting every drop
//   - Recovers transport loss with bounded exponential backoff (1s, 2s, 4s),
//     then halts until an external restart
package subscriber
