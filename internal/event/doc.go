// Package event defines the shared event model for the distribution pipeline.
//
// Conventions:
//   - Channel names are exact bus topics (no pattern subscriptions)
//   - Timestamps: time.Time in UTC, serialized as ms since epoch on the wire
//   - An Event is immutable once produced by the subscriber
package event
